// Copyright 2025 Edgeo SCADA
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

// Package store persists server data banks in a memory-mapped file.
package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// File is a fixed-size memory-mapped file.
type File struct {
	file *os.File
	data mmap.MMap
}

// Open maps path read-write, creating it or resizing it to size bytes.
func Open(path string, size int) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("store: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: resize %s: %w", path, err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: mmap %s: %w", path, err)
	}
	return &File{file: f, data: data}, nil
}

// Bytes returns the mapped region. It is invalid after Close.
func (f *File) Bytes() []byte {
	return f.data
}

// Flush writes dirty pages to disk.
func (f *File) Flush() error {
	if f.data == nil {
		return errors.New("store: file closed")
	}
	return f.data.Flush()
}

// Close flushes, unmaps and closes the file.
func (f *File) Close() error {
	var err error
	if f.data != nil {
		if e := f.data.Flush(); e != nil {
			err = e
		}
		if e := f.data.Unmap(); e != nil && err == nil {
			err = e
		}
		f.data = nil
	}
	if f.file != nil {
		if e := f.file.Close(); e != nil && err == nil {
			err = e
		}
		f.file = nil
	}
	return err
}
