/*
Package docstore implements a generic composite-key document store with
interchangeable backends: an in-memory reference implementation, a flat
one-record-per-key Bolt store, a one-document-per-partition Bolt store with
an embedded item list, and a DynamoDB store.

Record and key types declare their key structure with struct tags:

	type BookKey struct {
		UserID    string `docstore:"user_id,partition=1"`
		LibraryID string `docstore:"library_id,partition=2"`
		Shelf     string `docstore:"shelf,sort=1"`
		BookID    string `docstore:"book_id,sort=2"`
	}

	type Book struct {
		Key    BookKey `docstore:"key,keycopy"`
		Title  string  `docstore:"title"`
		Author string  `docstore:"author"`
	}

Partition attributes identify the partition (the physical document in the
embedded backend, the hash key in DynamoDB); sort attributes order records
within a partition. Ordinals break declaration-order ties. A field tagged
keycopy is never persisted; it is populated with the owning key on every
read. Types without markers are treated as opaque scalar or Tuple keys.

# Key ordering

Composite keys compare lexicographically component by component, partition
attributes first. Every backend reproduces exactly this order, because all
of them store the same canonical encoding of the key tuple and rely on the
backing store's byte ordering.

# Binary encoding

Each key component is a type tag byte followed by a payload whose byte
order matches value order:

 1. nil: tag only.
 2. bool: distinct tags for false and true.
 3. integers: 8 bytes big-endian with the sign bit flipped.
 4. floats: IEEE-754 bits, all bits flipped for negatives, sign bit set for
    positives.
 5. time: UnixNano, encoded like an integer.
 6. strings and byte slices: 0x00 escaped as 0x00 0x01, terminated by
    0x00 0x00.

A key tuple is the concatenation of its encoded components. The encoding is
prefix-free per component, so concatenation preserves tuple order. It is
also self-delimiting and therefore decodable, which lets backends
reconstruct typed keys from stored identifiers. Type tags order component
types deterministically (nil < bool < int < float < time < string < bytes);
mixing component types within one attribute is legal but pointless.

DynamoDB key attributes hold the same bytes in lowercase hex, which
preserves byte order under DynamoDB's UTF-8 string comparison.

Values travel as field maps (attribute name to field value),
msgpack-encoded in the external backends. Empty fields are omitted on
write; a missing field and an empty field are indistinguishable on read.

# Consistency caveats

Range queries on the embedded and DynamoDB backends are scoped to the
partition implied by the start key; only the in-memory and flat backends
range across partitions. Batch operations provide no cross-key atomicity.
*/
package docstore
