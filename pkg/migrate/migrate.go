// Package migrate implements the iterate/insert migration contract
// named in §6's CLI surface (`migrate database <from> <to>`). A
// document's contents are always treated as an opaque byte buffer —
// this package never interprets or re-encodes them.
package migrate

import "context"

// Document is one opaque record read from a Source and written to a
// Target, identified by its storage key.
type Document struct {
	Key   string
	Value []byte
}

// Source is anything migrate can read documents from in fixed-size
// chunks. ReadChunk returns fewer than limit documents only on the
// final chunk; a zero-length result means there is nothing left at
// offset.
type Source interface {
	ReadChunk(ctx context.Context, offset, limit int) ([]Document, error)
}

// Target is anything migrate can write a chunk of documents into.
type Target interface {
	Insert(ctx context.Context, docs []Document) error
}

// Run copies every document from src to tgt, chunkSize documents at a
// time, leaving src untouched. It returns the total number of
// documents copied.
func Run(ctx context.Context, src Source, tgt Target, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = 100
	}

	var total int
	for offset := 0; ; offset += chunkSize {
		docs, err := src.ReadChunk(ctx, offset, chunkSize)
		if err != nil {
			return total, err
		}
		if len(docs) == 0 {
			return total, nil
		}

		if err := tgt.Insert(ctx, docs); err != nil {
			return total, err
		}
		total += len(docs)

		if len(docs) < chunkSize {
			return total, nil
		}
	}
}
