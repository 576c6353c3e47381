// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	ErrSegmentAlreadyOpen = errors.New("the segment is already open")
	ErrSegmentNotFound    = errors.New("segment does not exist")
	ErrSegmentNotResident = errors.New("segment not yet resident in memory")

	ErrInvalidState    = errors.New("operation illegal in current segment state")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrPoolExhausted    = errors.New("staging pool exhausted")
	ErrStorageExhausted = errors.New("storage backend exhausted")

	ErrMonitorLogMismatch = errors.New("monitor already started with a different log")

	ErrBackupClosed = errors.New("backup server is closed")
)
