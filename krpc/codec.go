package krpc

import (
	"bytes"
	"fmt"
	"net"

	"github.com/jackpal/bencode-go"
	"github.com/kadht/dht/bitid"
)

// Codec serializes and parses KRPC messages. It hand-rolls the mapping
// between typed Messages and bencode dictionaries rather than relying on
// struct-tag reflection, using jackpal/bencode-go only for the generic
// bytes <-> map[string]interface{} conversion.
type Codec struct{}

// NewCodec returns a ready-to-use Codec. It holds no state; a package-
// level Codec value would do just as well, but callers that want to
// dependency-inject a codec (e.g. in tests) can construct their own.
func NewCodec() Codec {
	return Codec{}
}

// Encode serializes msg into a KRPC datagram.
func (Codec) Encode(msg *Message) ([]byte, error) {
	dict := map[string]interface{}{
		"t": string(msg.TransactionId),
		"y": string(msg.Kind),
	}
	if msg.ReadOnly {
		dict["ro"] = 1
	}
	if msg.ClaimedAddr != nil {
		if s, ok := encodeCompactAddr(*msg.ClaimedAddr); ok {
			dict["ip"] = s
		}
	}

	switch msg.Kind {
	case KindQuery:
		if msg.Args == nil {
			return nil, fmt.Errorf("krpc: query message missing args")
		}
		dict["q"] = msg.Query
		dict["a"] = encodeArgs(msg.Query, msg.Args)
	case KindResponse:
		if msg.Return == nil {
			return nil, fmt.Errorf("krpc: response message missing return values")
		}
		dict["r"] = encodeReturn(msg.Return)
	case KindError:
		if msg.Error == nil {
			return nil, fmt.Errorf("krpc: error message missing error value")
		}
		dict["e"] = []interface{}{int64(msg.Error.Code), msg.Error.Description}
	default:
		return nil, fmt.Errorf("krpc: unknown message kind %q", msg.Kind)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, fmt.Errorf("krpc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeArgs(method string, a *QueryArgs) map[string]interface{} {
	out := map[string]interface{}{"id": string(a.Id[:])}
	switch method {
	case MethodFindNode:
		if a.Target != nil {
			out["target"] = string(a.Target[:])
		}
	case MethodGetPeers:
		if a.InfoHash != nil {
			out["info_hash"] = string(a.InfoHash[:])
		}
	case MethodSampleInfohashes:
		if a.Target != nil {
			out["target"] = string(a.Target[:])
		}
	case MethodAnnouncePeer:
		if a.InfoHash != nil {
			out["info_hash"] = string(a.InfoHash[:])
		}
		out["token"] = a.Token
		out["port"] = int64(a.Port)
		if a.ImpliedPort {
			out["implied_port"] = int64(1)
		}
	}
	return out
}

func encodeReturn(r *ReturnValues) map[string]interface{} {
	out := map[string]interface{}{"id": string(r.Id[:])}
	if len(r.Nodes) > 0 {
		out["nodes"] = encodeCompactNodes(r.Nodes)
	}
	if r.Token != "" {
		out["token"] = r.Token
	}
	if len(r.Values) > 0 {
		values := make([]interface{}, 0, len(r.Values))
		for _, addr := range r.Values {
			if s, ok := encodeCompactPeer(addr); ok {
				values = append(values, s)
			}
		}
		out["values"] = values
	}
	if r.Samples != nil {
		out["samples"] = encodeSamples(r.Samples)
		out["num"] = int64(r.Num)
		if r.Interval > 0 {
			out["interval"] = int64(r.Interval)
		}
	}
	return out
}

// Decode parses a KRPC datagram into a typed Message. from is the actual
// source address the datagram arrived from, stashed on the result for
// request handling and BEP-42 address maintenance to use.
func (Codec) Decode(b []byte, from net.UDPAddr) (*Message, error) {
	var raw interface{}
	if err := bencode.Unmarshal(bytes.NewReader(b), &raw); err != nil {
		return nil, fmt.Errorf("krpc: decode: %w", err)
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("krpc: decode: top-level value is not a dictionary")
	}

	msg := &Message{RequesterAddr: from}

	t, ok := dict["t"].(string)
	if !ok {
		return nil, fmt.Errorf("krpc: decode: missing or malformed transaction id")
	}
	msg.TransactionId = []byte(t)

	y, ok := dict["y"].(string)
	if !ok {
		return nil, fmt.Errorf("krpc: decode: missing or malformed message type")
	}
	msg.Kind = Kind(y)

	if ro, ok := dict["ro"]; ok {
		if n, ok := asInt(ro); ok && n != 0 {
			msg.ReadOnly = true
		}
	}
	if ipStr, ok := dict["ip"].(string); ok {
		if addr, err := decodeCompactAddr(ipStr); err == nil {
			msg.ClaimedAddr = &addr
		}
	}

	switch msg.Kind {
	case KindQuery:
		q, ok := dict["q"].(string)
		if !ok {
			return nil, fmt.Errorf("krpc: decode: query missing method name")
		}
		msg.Query = q
		a, ok := dict["a"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("krpc: decode: query missing arguments")
		}
		args, err := decodeArgs(q, a)
		if err != nil {
			return nil, err
		}
		msg.Args = args
	case KindResponse:
		r, ok := dict["r"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("krpc: decode: response missing return values")
		}
		ret, err := decodeReturn(r)
		if err != nil {
			return nil, err
		}
		msg.Return = ret
	case KindError:
		e, ok := dict["e"].([]interface{})
		if !ok || len(e) != 2 {
			return nil, fmt.Errorf("krpc: decode: malformed error value")
		}
		code, ok := asInt(e[0])
		if !ok {
			return nil, fmt.Errorf("krpc: decode: malformed error code")
		}
		desc, _ := e[1].(string)
		msg.Error = &ErrorValue{Code: ErrorCode(code), Description: desc}
	default:
		return nil, fmt.Errorf("krpc: decode: unknown message type %q", y)
	}

	return msg, nil
}

func decodeArgs(method string, a map[string]interface{}) (*QueryArgs, error) {
	idStr, ok := a["id"].(string)
	if !ok {
		return nil, fmt.Errorf("krpc: decode: args missing id")
	}
	id, err := bitid.FromBytes([]byte(idStr))
	if err != nil {
		return nil, fmt.Errorf("krpc: decode: args.id: %w", err)
	}
	args := &QueryArgs{Id: id}

	switch method {
	case MethodFindNode, MethodSampleInfohashes:
		if tStr, ok := a["target"].(string); ok {
			target, err := bitid.FromBytes([]byte(tStr))
			if err != nil {
				return nil, fmt.Errorf("krpc: decode: args.target: %w", err)
			}
			args.Target = &target
		}
	case MethodGetPeers:
		if ihStr, ok := a["info_hash"].(string); ok {
			ih, err := bitid.FromBytes([]byte(ihStr))
			if err != nil {
				return nil, fmt.Errorf("krpc: decode: args.info_hash: %w", err)
			}
			args.InfoHash = &ih
		}
	case MethodAnnouncePeer:
		if ihStr, ok := a["info_hash"].(string); ok {
			ih, err := bitid.FromBytes([]byte(ihStr))
			if err != nil {
				return nil, fmt.Errorf("krpc: decode: args.info_hash: %w", err)
			}
			args.InfoHash = &ih
		}
		if tok, ok := a["token"].(string); ok {
			args.Token = tok
		}
		if port, ok := asInt(a["port"]); ok {
			args.Port = int(port)
		}
		if ip, ok := asInt(a["implied_port"]); ok && ip != 0 {
			args.ImpliedPort = true
		}
	}
	return args, nil
}

func decodeReturn(r map[string]interface{}) (*ReturnValues, error) {
	idStr, ok := r["id"].(string)
	if !ok {
		return nil, fmt.Errorf("krpc: decode: return missing id")
	}
	id, err := bitid.FromBytes([]byte(idStr))
	if err != nil {
		return nil, fmt.Errorf("krpc: decode: return.id: %w", err)
	}
	ret := &ReturnValues{Id: id}

	if nodesStr, ok := r["nodes"].(string); ok {
		nodes, err := decodeCompactNodes(nodesStr)
		if err != nil {
			return nil, err
		}
		ret.Nodes = nodes
	}
	if tok, ok := r["token"].(string); ok {
		ret.Token = tok
	}
	if values, ok := r["values"].([]interface{}); ok {
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			addr, err := decodeCompactPeer(s)
			if err != nil {
				return nil, err
			}
			ret.Values = append(ret.Values, addr)
		}
	}
	if samplesStr, ok := r["samples"].(string); ok {
		samples, err := decodeSamples(samplesStr)
		if err != nil {
			return nil, err
		}
		ret.Samples = samples
	}
	if num, ok := asInt(r["num"]); ok {
		ret.Num = int(num)
	}
	if interval, ok := asInt(r["interval"]); ok {
		ret.Interval = int(interval)
	}
	return ret, nil
}

// asInt normalizes the handful of integer-ish types jackpal/bencode-go
// may hand back for a bencoded integer.
func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
