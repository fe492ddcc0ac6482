package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jayminwest/kotadb/pkg/types"
)

// Document payload layout (little-endian), split across the page chain:
//
//	id 16 | created i64 | modified i64
//	| pathLen u16 + path | titleLen u16 + title
//	| tagCount u16, per tag: len u8 + bytes
//	| metaCount u16, per entry: keyLen u16 + key, valLen u32 + val
//	| contentLen u32 + content

func encodeDocument(doc *types.Document) []byte {
	buf := make([]byte, 0, 64+len(doc.Path.String())+len(doc.Content))

	buf = append(buf, doc.ID.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(doc.CreatedAt.Unix()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(doc.ModifiedAt.Unix()))

	path := doc.Path.String()
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)

	title := doc.Title.String()
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(title)))
	buf = append(buf, title...)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(doc.Tags)))
	for _, tag := range doc.Tags {
		buf = append(buf, byte(len(tag.String())))
		buf = append(buf, tag.String()...)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(doc.Metadata)))
	for _, key := range sortedKeys(doc.Metadata) {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
		buf = append(buf, key...)
		val := doc.Metadata[key]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		buf = append(buf, val...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(doc.Content)))
	buf = append(buf, doc.Content...)

	return buf
}

func decodeDocument(buf []byte) (*types.Document, error) {
	r := &byteReader{buf: buf}

	idBytes, err := r.take(16)
	if err != nil {
		return nil, fmt.Errorf("decode document: id: %w", err)
	}

	id, err := types.DocumentIDFromBytes(idBytes)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	created, err := r.u64()
	if err != nil {
		return nil, fmt.Errorf("decode document: created_at: %w", err)
	}

	modified, err := r.u64()
	if err != nil {
		return nil, fmt.Errorf("decode document: modified_at: %w", err)
	}

	createdAt, err := types.ParseTimestamp(int64(created))
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	modifiedAt, err := types.ParseTimestamp(int64(modified))
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	pathRaw, err := r.lenString16()
	if err != nil {
		return nil, fmt.Errorf("decode document: path: %w", err)
	}

	path, err := types.ParsePath(pathRaw)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	titleRaw, err := r.lenString16()
	if err != nil {
		return nil, fmt.Errorf("decode document: title: %w", err)
	}

	title, err := types.ParseTitle(titleRaw)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	tagCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("decode document: tag count: %w", err)
	}

	rawTags := make([]string, 0, tagCount)

	for i := 0; i < int(tagCount); i++ {
		length, takeErr := r.take(1)
		if takeErr != nil {
			return nil, fmt.Errorf("decode document: tag: %w", takeErr)
		}

		tag, takeErr := r.take(int(length[0]))
		if takeErr != nil {
			return nil, fmt.Errorf("decode document: tag: %w", takeErr)
		}

		rawTags = append(rawTags, string(tag))
	}

	tags, err := types.ParseTags(rawTags)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	metaCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("decode document: metadata count: %w", err)
	}

	var metadata map[string]string

	if metaCount > 0 {
		metadata = make(map[string]string, metaCount)

		for i := 0; i < int(metaCount); i++ {
			key, takeErr := r.lenString16()
			if takeErr != nil {
				return nil, fmt.Errorf("decode document: metadata key: %w", takeErr)
			}

			valLen, takeErr := r.u32()
			if takeErr != nil {
				return nil, fmt.Errorf("decode document: metadata value: %w", takeErr)
			}

			val, takeErr := r.take(int(valLen))
			if takeErr != nil {
				return nil, fmt.Errorf("decode document: metadata value: %w", takeErr)
			}

			metadata[key] = string(val)
		}
	}

	contentLen, err := r.u32()
	if err != nil {
		return nil, fmt.Errorf("decode document: content length: %w", err)
	}

	content, err := r.take(int(contentLen))
	if err != nil {
		return nil, fmt.Errorf("decode document: content: %w", err)
	}

	size, err := types.ParseNonZeroSize(uint64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	doc := &types.Document{
		ID:         id,
		Path:       path,
		Title:      title,
		Content:    append([]byte(nil), content...),
		Tags:       tags,
		CreatedAt:  createdAt,
		ModifiedAt: modifiedAt,
		Size:       size,
		Metadata:   metadata,
	}

	return doc, doc.Validate()
}

// sortedKeys orders metadata keys so the encoding is deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}

	return keys
}

var errShortPayload = errors.New("short payload")

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errShortPayload
	}

	b := r.buf[r.off : r.off+n]
	r.off += n

	return b, nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) lenString16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}

	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}
