package vectorstore

import (
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
)

// toPayload converts a metadata map into Qdrant payload values. Unhandled
// types degrade to their string rendering rather than dropping the key.
func toPayload(meta map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(meta))
	for k, val := range meta {
		payload[k] = toValue(val)
	}
	return payload
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case []string:
		items := make([]*pb.Value, len(tv))
		for i, s := range tv {
			items[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: items}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// fromPayload converts Qdrant payload values back into a plain map.
func fromPayload(payload map[string]*pb.Value) map[string]any {
	meta := make(map[string]any, len(payload))
	for k, val := range payload {
		meta[k] = fromValue(val)
	}
	return meta
}

func fromValue(val *pb.Value) any {
	switch kind := val.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	case *pb.Value_ListValue:
		items := make([]any, len(kind.ListValue.GetValues()))
		for i, v := range kind.ListValue.GetValues() {
			items[i] = fromValue(v)
		}
		return items
	default:
		return nil
	}
}
