package gtfsrt

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

type Format int

const (
	ProtoJSON Format = iota
	Protobuf
	ProtoText
)

func (f Format) String() string {
	switch f {
	case Protobuf:
		return "protobuf"
	case ProtoText:
		return "prototext"
	default:
		return "protojson"
	}
}

// ContentType is set as a message header when publishing.
func (f Format) ContentType() string {
	switch f {
	case Protobuf:
		return "application/x-protobuf"
	case ProtoText:
		return "text/plain"
	default:
		return "application/json"
	}
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "protojson", "json":
		return ProtoJSON, nil
	case "protobuf", "pb", "binary":
		return Protobuf, nil
	case "prototext", "text":
		return ProtoText, nil
	}
	return ProtoJSON, fmt.Errorf("unknown format %q", s)
}

var jsonOpts = protojson.MarshalOptions{UseProtoNames: true}

func Encode(u *TripUpdate, f Format) ([]byte, error) {
	m := u.AsGTFS()
	var (
		b   []byte
		err error
	)
	switch f {
	case Protobuf:
		b, err = proto.Marshal(m)
	case ProtoText:
		b, err = prototext.MarshalOptions{Multiline: true}.Marshal(m)
	default:
		b, err = jsonOpts.Marshal(m)
	}
	if err != nil {
		return nil, fmt.Errorf("encode trip update as %s: %w", f, err)
	}
	return b, nil
}
