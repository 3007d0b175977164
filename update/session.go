// Copyright 2026 The MCU Update OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

// session holds all per-session mutable state, created on an accepted
// RequestUpdate and destroyed as a unit on completion or abort so that no
// partial state leaks into the next session.
type session struct {
	meta *PackageMetadata
	byID map[uint16]*ComponentDescriptor

	// learned is set once the Update Agent passes the last component
	// table entry.
	learned bool

	current *download
	applied int
	failed  int
}

// download is the per-component transfer cursor.
type download struct {
	comp   *ComponentDescriptor
	offset uint32
}

func newSession(meta *PackageMetadata) *session {
	return &session{
		meta: meta,
		byID: make(map[uint16]*ComponentDescriptor),
	}
}

func (s *session) announce(c *ComponentDescriptor) {
	s.meta.Components = append(s.meta.Components, c)
	s.byID[c.Identifier] = c
}

func (s *session) component(identifier uint16) *ComponentDescriptor {
	return s.byID[identifier]
}

// allApplied reports whether every announced component has been applied.
func (s *session) allApplied() bool {
	return s.learned && len(s.meta.Components) > 0 &&
		s.applied == len(s.meta.Components) && s.failed == 0
}
