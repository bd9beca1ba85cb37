/*
   Copyright 2024 Titan contributors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package kcv

// DefaultKeyspace is the keyspace the graph store provisions when the
// operator does not name one.
const DefaultKeyspace = "titan"

// Well-known column families of the graph store. Provisioning is external
// to this layer; the names are declared here so every component agrees on
// them.
const (
	// EdgeStore - adjacency lists and vertex properties.
	// key - vertex id
	// column - relation type id + sort key + relation id
	// value - serialized relation payload
	EdgeStore = "edgestore"

	// VertexIndex - property value -> vertex lookups.
	// key - indexed property value
	// column - vertex id
	// value - empty
	VertexIndex = "vertexindex"

	// EdgeIndex - property value -> relation lookups.
	// key - indexed property value
	// column - relation id
	// value - empty
	EdgeIndex = "edgeindex"

	// IDStore - id-block allocation claims.
	// key - id partition
	// column - claim marker
	// value - claimant
	IDStore = "titan_ids"

	// SystemProperties - cluster-wide configuration records.
	// key - property name
	// column - fixed marker
	// value - serialized property value
	SystemProperties = "system_properties"
)

// StandardColumnFamilies lists every column family above, in provisioning
// order.
var StandardColumnFamilies = []string{
	EdgeStore,
	VertexIndex,
	EdgeIndex,
	IDStore,
	SystemProperties,
}
