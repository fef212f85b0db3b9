package gateapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// maxScanBody caps scan push bodies for both encodings. A scan with an
// attendee snapshot is well under 2 KiB.
const maxScanBody = 16 << 10

const protobufContentType = "application/x-protobuf"

// isProtobuf reports whether the request carries a protobuf body. Reader
// bridges send "application/x-protobuf".
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == protobufContentType ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// scanFromProto decodes a google.protobuf.Struct body whose fields mirror
// the JSON scan payload.
func scanFromProto(body []byte) (types.RawScan, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(body, &st); err != nil {
		return types.RawScan{}, fmt.Errorf("decode protobuf struct: %w", err)
	}
	js, err := protojson.Marshal(&st)
	if err != nil {
		return types.RawScan{}, fmt.Errorf("convert protobuf struct: %w", err)
	}
	var raw types.RawScan
	if err := json.Unmarshal(js, &raw); err != nil {
		return types.RawScan{}, fmt.Errorf("convert protobuf struct: %w", err)
	}
	return raw, nil
}

func readScan(r *http.Request) (types.RawScan, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody))
	if err != nil {
		return types.RawScan{}, err
	}
	if isProtobuf(r) {
		return scanFromProto(body)
	}
	var raw types.RawScan
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.RawScan{}, fmt.Errorf("decode json: %w", err)
	}
	return raw, nil
}

// respond writes v as protobuf when the request came in as protobuf, JSON
// otherwise.
func respond(c *gin.Context, status int, v map[string]any) {
	if !isProtobuf(c.Request) {
		c.JSON(status, v)
		return
	}
	st, err := structpb.NewStruct(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "proto encode"})
		return
	}
	data, err := proto.Marshal(st)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "proto encode"})
		return
	}
	c.Data(status, protobufContentType, data)
}
