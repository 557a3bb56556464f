// SPDX-License-Identifier: Apache-2.0
/*
 * sheepdog: tools for a distributed block and object store
 * Copyright (C) 2026 The sheepdog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sd

import "github.com/pkg/errors"

// Cluster status conditions. These mirror the wire statuses of the block
// store; callers compare with errors.Cause.
var (
	// ErrNoVdi is returned when a volume name does not resolve.
	ErrNoVdi = errors.Errorf("no such vdi")

	// ErrNoObj is returned when an object does not exist.
	ErrNoObj = errors.Errorf("no such object")

	// ErrVdiExist is returned when creating a volume whose name is taken.
	ErrVdiExist = errors.Errorf("vdi already exists")

	// ErrObjTaken is returned when an object slot is held by another owner.
	ErrObjTaken = errors.Errorf("object slot is taken")
)

// IsNoVdi reports whether err is (a wrapped) ErrNoVdi.
func IsNoVdi(err error) bool {
	return errors.Cause(err) == ErrNoVdi
}

// IsNoObj reports whether err is (a wrapped) ErrNoObj.
func IsNoObj(err error) bool {
	return errors.Cause(err) == ErrNoObj
}
