package client

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Column describes one table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// EDMX document subset. encoding/xml matches these local names in any namespace.
type edmxDocument struct {
	XMLName xml.Name    `xml:"Edmx"`
	Schemas []edmSchema `xml:"DataServices>Schema"`
}

type edmSchema struct {
	EntityTypes []edmEntityType `xml:"EntityType"`
}

type edmEntityType struct {
	Name       string        `xml:"Name,attr"`
	Properties []edmProperty `xml:"Property"`
}

type edmProperty struct {
	Name     string `xml:"Name,attr"`
	Type     string `xml:"Type,attr"`
	Nullable string `xml:"Nullable,attr"`
}

// ParseMetadata extracts the columns of table from an OData $metadata document.
// Entity names compare case-insensitively. It returns no columns when the
// table is not described.
func ParseMetadata(r io.Reader, table string) ([]Column, error) {
	var doc edmxDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	for _, schema := range doc.Schemas {
		for _, et := range schema.EntityTypes {
			if !strings.EqualFold(et.Name, table) {
				continue
			}
			cols := make([]Column, 0, len(et.Properties))
			for _, p := range et.Properties {
				typ := p.Type
				if typ == "" {
					typ = "Edm.String"
				}
				cols = append(cols, Column{
					Name:     p.Name,
					Type:     typ,
					Required: strings.EqualFold(p.Nullable, "false"),
				})
			}
			return cols, nil
		}
	}
	return nil, nil
}

// InferColumns guesses column types from one raw JSON row, keeping the
// upstream column order. Only _key is marked required.
func InferColumns(raw json.RawMessage) ([]Column, error) {
	keys, err := objectKeys(raw)
	if err != nil {
		return nil, err
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	cols := make([]Column, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, Column{
			Name:     k,
			Type:     edmType(row[k].Kind()),
			Required: k == "_key",
		})
	}
	return cols, nil
}

func edmType(k Kind) string {
	switch k {
	case KindBoolean:
		return "Edm.Boolean"
	case KindInteger:
		return "Edm.Int32"
	case KindDecimal:
		return "Edm.Double"
	case KindTimestamp:
		return "Edm.DateTimeOffset"
	default:
		return "Edm.String"
	}
}

// objectKeys lists the top-level keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("decode row: expected object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
	}
	return keys, nil
}
