package agent

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// xmlParser emits the attributes of every element named by the pointer
// option. It reads raw tokens so it can resume on whatever input follows
// the last complete token; text content is ignored.
type xmlParser struct {
	pointer   string
	lowercase bool
	trim      bool
	buf       []byte
}

func newXMLParser(opts map[string]any) (ParserFactory, error) {
	pointer, _ := opts["pointer"].(string)
	if pointer == "" {
		return nil, errors.New("xml format needs options.pointer")
	}
	lowercase, _ := opts["lowercase"].(bool)
	trim := true
	if v, ok := opts["trim"].(bool); ok {
		trim = v
	}
	return func() Parser {
		return &xmlParser{pointer: pointer, lowercase: lowercase, trim: trim}
	}, nil
}

func (p *xmlParser) Feed(chunk []byte) ([]Record, error) {
	if len(p.buf)+len(chunk) > maxDocumentBytes {
		p.buf = nil
		return nil, errDocumentTooLarge
	}
	p.buf = append(p.buf, chunk...)
	recs, _ := p.scan(false)
	return recs, nil
}

func (p *xmlParser) End() ([]Record, error) {
	recs, err := p.scan(true)
	p.buf = nil
	return recs, err
}

// scan decodes complete tokens from the buffer and keeps the unread tail.
// Before the end of the stream a decode error means the input stops
// mid-token, so the tail is kept for the next chunk.
func (p *xmlParser) scan(final bool) ([]Record, error) {
	dec := xml.NewDecoder(bytes.NewReader(p.buf))
	var out []Record
	consumed := int64(0)
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			consumed = int64(len(p.buf))
			break
		}
		if err != nil {
			if final && len(bytes.TrimSpace(p.buf[consumed:])) > 0 {
				return out, fmt.Errorf("decoding xml: %w", err)
			}
			break
		}
		consumed = dec.InputOffset()
		if el, ok := tok.(xml.StartElement); ok && el.Name.Local == p.pointer {
			out = append(out, p.record(el))
		}
	}
	p.buf = append(p.buf[:0], p.buf[consumed:]...)
	return out, nil
}

func (p *xmlParser) record(el xml.StartElement) Record {
	rec := make(Record, len(el.Attr))
	for _, a := range el.Attr {
		key := a.Name.Local
		if a.Name.Space != "" {
			key = a.Name.Space + ":" + key
		}
		if p.lowercase {
			key = strings.ToLower(key)
		}
		value := a.Value
		if p.trim {
			value = strings.TrimSpace(value)
		}
		rec[key] = value
	}
	return rec
}
