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

package main

import (
	"fmt"
	"os"
	"sync"
)

// fileFlash emulates the flash device over a regular file, created at
// fixed size on first use.
type fileFlash struct {
	sync.Mutex

	f    *os.File
	size int64
}

func openFlash(path string, size int64) (*fileFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)

	if err != nil {
		return nil, err
	}

	info, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &fileFlash{f: f, size: size}, nil
}

func (d *fileFlash) Read(offset int64, size int64) ([]byte, error) {
	if offset < 0 || offset+size > d.size {
		return nil, fmt.Errorf("flash read [%d, %d) out of bounds", offset, offset+size)
	}

	d.Lock()
	defer d.Unlock()

	buf := make([]byte, size)

	if _, err := d.f.ReadAt(buf, offset); err != nil {
		return nil, err
	}

	return buf, nil
}

func (d *fileFlash) Write(offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > d.size {
		return fmt.Errorf("flash write [%d, %d) out of bounds", offset, offset+int64(len(data)))
	}

	d.Lock()
	defer d.Unlock()

	if _, err := d.f.WriteAt(data, offset); err != nil {
		return err
	}

	return d.f.Sync()
}

func (d *fileFlash) Close() error {
	return d.f.Close()
}

// fileStorage persists the sealed anti-rollback record in a file.
type fileStorage struct {
	path string
}

func (s *fileStorage) Load() ([]byte, error) {
	buf, err := os.ReadFile(s.path)

	if os.IsNotExist(err) {
		return nil, nil
	}

	return buf, err
}

func (s *fileStorage) Save(record []byte) error {
	return os.WriteFile(s.path, record, 0600)
}
