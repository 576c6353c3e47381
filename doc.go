/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# BackupStore: the backup node of an in-memory storage cluster

Owner (master) nodes keep their data in RAM and replicate every log segment
to a set of backup nodes. BackupStore is that backup node: it stages incoming
segments in a bounded memory pool, persists them to a durable storage backend
on close, and serves them back when an owner crashes and its log has to be
rebuilt.

## Data Model

* Segment: a fixed-size, append-only chunk of an owner's log, keyed by
  (ownerId, segmentId).

* Staging chunk: the pooled in-memory buffer holding a segment while it is
  being written or read for recovery.

* Storage handle: the opaque frame reference a segment occupies in the
  durable backend.

## Architecture

Two long-lived threads of control:

* the data path, mutating the segment table through open/write/close/free
  and the recovery reads

* the failure monitor, draining cluster-membership changes and driving the
  replication layer when a backup crashes

## Building Blocks

* CubeFS blobstore commons (trace, taskpool, bytespool)
* Prometheus

*/

package backupstore
