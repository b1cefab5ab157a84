package tl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mtwire/mtwire/pkg/wire"
)

const testSchema = `
testUser#11223344 flags:# self:flags.0?true name:flags.1?string phone:flags.4?string id:long = TestUser;
testPeer#55667788 flags:# flags2:# user:flags.2?TestUser verified:flags2.0?true tags:Vector<string> scores:Vector<int> = TestPeer;
testNode#01020304 flags:# next:flags.0?TestNode = TestNode;
testPair#0a0b0c0d left:%TestUser right:TestUser = TestPair;
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewCoreRegistry()
	if err := r.Parse(testSchema); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return r
}

func TestParseConstructor(t *testing.T) {
	c, err := ParseConstructor("testUser#11223344 flags:# self:flags.0?true name:flags.1?string id:long = TestUser;")
	if err != nil {
		t.Fatalf("ParseConstructor() error = %v", err)
	}
	if c.ID != 0x11223344 || c.Predicate != "testUser" || c.Type != "TestUser" {
		t.Errorf("header = %08x %s %s", c.ID, c.Predicate, c.Type)
	}
	if len(c.Params) != 4 {
		t.Fatalf("params = %d, want 4", len(c.Params))
	}
	self := c.Params[1]
	if self.Type.Kind != KindTrue || self.Flags != 0 || self.FlagBit != 0 {
		t.Errorf("self = %+v", self)
	}
	name := c.Params[2]
	if name.Type.Kind != KindString || name.Flags != 0 || name.FlagBit != 1 {
		t.Errorf("name = %+v", name)
	}
	if c.Params[3].Optional() {
		t.Errorf("id must not be optional")
	}
	if got := c.String(); got != "testUser#11223344 flags:# self:flags.0?true name:flags.1?string id:long = TestUser;" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseConstructorErrors(t *testing.T) {
	tests := []string{
		"noid a:int = X;",
		"bad#zz a:int = X;",
		"x#1 a:int",
		"x#1 a:flags.0?int = X;",
		"x#1 flags:# a:flags.40?int = X;",
		"x#1 flags:# a:true = X;",
		"x#1 a = X;",
	}
	for _, line := range tests {
		if _, err := ParseConstructor(line); err == nil {
			t.Errorf("ParseConstructor(%q) succeeded, want error", line)
		}
	}
}

func TestCoreRegistry(t *testing.T) {
	r := NewCoreRegistry()
	for _, name := range []string{"resPQ", "req_pq_multi", "msg_container", "ping", "pong", "initConnection"} {
		if _, ok := r.LookupPredicate(name); !ok {
			t.Errorf("core registry missing %s", name)
		}
	}
	ping, _ := r.LookupPredicate("ping")
	if !ping.Method || ping.ID != 0x7abe77ec {
		t.Errorf("ping = %+v", ping)
	}
	if err := r.Register(&Constructor{ID: VectorID, Predicate: "vector"}); err == nil {
		t.Errorf("Register(reserved id) succeeded")
	}
	if err := r.Parse("dup#7abe77ec = X;"); err == nil {
		t.Errorf("duplicate id accepted")
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name      string
		build     func(o *Object)
		wantFlags uint32
	}{
		{"none", func(o *Object) {}, 0},
		{"self_only", func(o *Object) { o.Set("self", true) }, 1 << 0},
		{"self_false", func(o *Object) { o.Set("self", false) }, 0},
		{"name_phone", func(o *Object) { o.Set("name", "alice").Set("phone", "+100") }, 1<<1 | 1<<4},
		{"all", func(o *Object) { o.Set("self", true).Set("name", "bob").Set("phone", "1") }, 1<<0 | 1<<1 | 1<<4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o, err := r.New("testUser")
			if err != nil {
				t.Fatal(err)
			}
			o.Set("id", int64(42))
			tc.build(o)

			data, err := r.Encode(o)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			d := NewDecoder(data)
			d.Skip(4)
			flags, _ := d.ReadUint32()
			if flags != tc.wantFlags {
				t.Errorf("flags = %b, want %b", flags, tc.wantFlags)
			}

			got, n, err := r.Decode(data, 0)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(data) {
				t.Errorf("consumed %d of %d bytes", n, len(data))
			}
			for _, field := range []string{"self", "name", "phone"} {
				if got.Has(field) != o.Has(field) {
					t.Errorf("Has(%s) = %v, want %v", field, got.Has(field), o.Has(field))
				}
			}
			if got.Long("id") != 42 || got.Text("name") != o.Text("name") {
				t.Errorf("decoded = %+v", got.Fields)
			}

			again, err := r.Encode(got)
			if err != nil {
				t.Fatalf("re-Encode() error = %v", err)
			}
			if !bytes.Equal(again, data) {
				t.Errorf("re-encoded bytes differ:\n got % x\nwant % x", again, data)
			}
		})
	}
}

func TestUnknownFlagBitsPreserved(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder()
	e.WriteUint32(0x11223344)
	e.WriteUint32(1<<1 | 1<<20) // name + a bit no field claims
	e.WriteString("carol")
	e.WriteInt64(7)
	data := e.Bytes()

	o, _, err := r.Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	out, err := r.Encode(o)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("round trip lost unknown flag bits:\n got % x\nwant % x", out, data)
	}
}

func TestNestedObjectsAndVectors(t *testing.T) {
	r := testRegistry(t)

	user, _ := r.New("testUser")
	user.Set("id", int64(9)).Set("name", "dave")

	peer, _ := r.New("testPeer")
	peer.Set("user", user).
		Set("verified", true).
		Set("tags", []any{"a", "bb", "ccc"}).
		Set("scores", []int32{10, 20})

	data, err := r.Encode(peer)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, n, err := r.Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("consumed %d of %d", n, len(data))
	}
	if got.Object("user").Text("name") != "dave" {
		t.Errorf("nested user = %+v", got.Object("user"))
	}
	if !got.Has("verified") {
		t.Errorf("flags2-gated field lost")
	}
	tags, _ := got.Get("tags")
	if list, ok := tags.([]any); !ok || len(list) != 3 || list[2] != "ccc" {
		t.Errorf("tags = %#v", tags)
	}
	scores, _ := got.Get("scores")
	if list, ok := scores.([]int32); !ok || len(list) != 2 || list[1] != 20 {
		t.Errorf("scores = %#v", scores)
	}
	again, _ := r.Encode(got)
	if !bytes.Equal(again, data) {
		t.Errorf("re-encoded bytes differ")
	}
}

func TestBareFields(t *testing.T) {
	r := testRegistry(t)
	left, _ := r.New("testUser")
	left.Set("id", int64(1))
	right, _ := r.New("testUser")
	right.Set("id", int64(2))
	pair, _ := r.New("testPair")
	pair.Set("left", left).Set("right", right)

	data, err := r.Encode(pair)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// id + (flags + long) + (ctor + flags + long)
	if want := 4 + 12 + 16; len(data) != want {
		t.Errorf("encoded length = %d, want %d", len(data), want)
	}
	got, _, err := r.Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Object("left").Long("id") != 1 || got.Object("right").Long("id") != 2 {
		t.Errorf("decoded pair = %+v", got.Fields)
	}
}

func TestMessageContainer(t *testing.T) {
	r := NewCoreRegistry()
	ping, _ := r.New("ping")
	ping.Set("ping_id", int64(77))
	body, _ := r.Encode(ping)

	msg, _ := r.New("message")
	msg.Set("msg_id", int64(0x5f00000000000004)).
		Set("seqno", int32(1)).
		Set("bytes", int32(len(body))).
		Set("body", ping)
	container, _ := r.New("msg_container")
	container.Set("messages", []any{msg, msg})

	data, err := r.Encode(container)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// ctor + count + 2 × (msg_id + seqno + bytes + body)
	if want := 8 + 2*(16+len(body)); len(data) != want {
		t.Errorf("container length = %d, want %d", len(data), want)
	}
	got, _, err := r.Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	msgs, _ := got.Get("messages")
	list := msgs.([]any)
	if len(list) != 2 {
		t.Fatalf("messages = %d", len(list))
	}
	inner := list[1].(*Object).Object("body")
	if inner.Predicate() != "ping" || inner.Long("ping_id") != 77 {
		t.Errorf("inner body = %+v", inner)
	}
}

func TestDecodeUnknownConstructor(t *testing.T) {
	r := NewCoreRegistry()
	e := NewEncoder()
	e.WriteUint32(0xdeadbeef)
	_, _, err := r.Decode(e.Bytes(), 0)
	var fe *wire.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Decode() error = %v, want FormatError", err)
	}
	if fe.Offset != 0 {
		t.Errorf("offset = %d, want 0", fe.Offset)
	}
}

func TestDecodeSiblingsIsolated(t *testing.T) {
	r := NewCoreRegistry()
	ping, _ := r.New("ping")
	ping.Set("ping_id", int64(5))
	first, _ := r.Encode(ping)

	buf := append([]byte{}, first...)
	buf = append(buf, 0xef, 0xbe, 0xad, 0xde)

	obj, n, err := r.Decode(buf, 0)
	if err != nil {
		t.Fatalf("first Decode() error = %v", err)
	}
	if _, _, err := r.Decode(buf, n); err == nil {
		t.Fatalf("second Decode() succeeded, want error")
	}
	if obj.Long("ping_id") != 5 {
		t.Errorf("first object changed after sibling failure: %+v", obj.Fields)
	}
}

func TestDecodeTruncatedObject(t *testing.T) {
	r := testRegistry(t)
	user, _ := r.New("testUser")
	user.Set("id", int64(1)).Set("name", "erin").Set("phone", "555")
	data, _ := r.Encode(user)

	for cut := 0; cut < len(data); cut++ {
		_, _, err := r.Decode(data[:cut], 0)
		if !errors.Is(err, wire.ErrIncomplete) {
			t.Fatalf("cut %d: error = %v, want ErrIncomplete", cut, err)
		}
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	r := testRegistry(t)
	r.SetLimits(Limits{MaxStringLen: 64, MaxVectorLen: 8, MaxDepth: 4, MaxUnpacked: 64})

	e := NewEncoder()
	for i := 0; i < 10; i++ {
		e.WriteUint32(0x01020304)
		e.WriteUint32(1)
	}
	e.WriteUint32(0x01020304)
	e.WriteUint32(0)

	_, _, err := r.Decode(e.Bytes(), 0)
	var fe *wire.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Decode() error = %v, want FormatError", err)
	}
}

func TestEncodeTypeErrors(t *testing.T) {
	r := testRegistry(t)
	user, _ := r.New("testUser")
	user.Set("id", int32(1)) // wrong width
	if _, err := r.Encode(user); !errors.Is(err, ErrValueType) {
		t.Errorf("Encode(int32 for long) error = %v", err)
	}

	user.Set("id", int64(1))
	pong, _ := r.New("pong")
	peer, _ := r.New("testPeer")
	peer.Set("user", pong).Set("tags", []any{}).Set("scores", []int32{})
	if _, err := r.Encode(peer); !errors.Is(err, ErrValueType) {
		t.Errorf("Encode(wrong boxed type) error = %v", err)
	}

	missing, _ := r.New("testUser")
	if _, err := r.Encode(missing); !errors.Is(err, ErrValueType) {
		t.Errorf("Encode(missing id) error = %v", err)
	}

	flagged, _ := r.New("testUser")
	flagged.Set("id", int64(1)).Set("flags", int32(1<<20))
	if _, err := r.Encode(flagged); !errors.Is(err, ErrValueType) {
		t.Errorf("Encode(int32 flags) error = %v", err)
	}
	flagged.Set("flags", uint32(1<<20))
	if _, err := r.Encode(flagged); err != nil {
		t.Errorf("Encode(uint32 flags) error = %v", err)
	}

	copyMsg, _ := r.New("msg_copy")
	if _, err := r.Encode(copyMsg.Set("orig_message", true)); !errors.Is(err, ErrValueType) {
		t.Errorf("Encode(bool for Message) error = %v", err)
	}
	result, _ := r.New("rpc_result")
	result.Set("req_msg_id", int64(1)).Set("result", "text")
	if _, err := r.Encode(result); !errors.Is(err, ErrValueType) {
		t.Errorf("Encode(string for Object) error = %v", err)
	}
}

func TestGzipPacked(t *testing.T) {
	r := NewCoreRegistry()
	pong, _ := r.New("pong")
	pong.Set("msg_id", int64(1)).Set("ping_id", int64(2))
	plain, _ := r.Encode(pong)
	packed, err := Pack(plain)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	obj, _, err := r.Decode(packed, 0)
	if err != nil {
		t.Fatalf("Decode(packed) error = %v", err)
	}
	if obj.Predicate() != "gzip_packed" {
		t.Errorf("without unpack got %s", obj.Predicate())
	}

	r.SetUnpack(true)
	obj, n, err := r.Decode(packed, 0)
	if err != nil {
		t.Fatalf("Decode(packed, unpack) error = %v", err)
	}
	if obj.Predicate() != "pong" || obj.Long("ping_id") != 2 || n != len(packed) {
		t.Errorf("unpacked = %s %+v n=%d", obj.Predicate(), obj.Fields, n)
	}
}

func TestEnvelope(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload := EncodePlain(0x51e57ac42770964a, body)
	if len(payload) != PlainHeaderSize+len(body) {
		t.Fatalf("plain length = %d", len(payload))
	}
	env, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if env.Encrypted() || env.MsgID != 0x51e57ac42770964a || !bytes.Equal(env.Body, body) {
		t.Errorf("plain envelope = %+v", env)
	}

	enc := EncodeEncrypted(99, Int128{7}, make([]byte, 32))
	env, err = ParseEnvelope(enc)
	if err != nil {
		t.Fatalf("ParseEnvelope(encrypted) error = %v", err)
	}
	if !env.Encrypted() || env.AuthKeyID != 99 || env.MsgKey[0] != 7 || len(env.Data) != 32 {
		t.Errorf("encrypted envelope = %+v", env)
	}

	bad := EncodePlain(1, body)
	bad[16] = 0xFF // message_data_length far beyond the payload
	var fe *wire.FormatError
	if _, err := ParseEnvelope(bad); !errors.As(err, &fe) {
		t.Errorf("ParseEnvelope(bad length) error = %v", err)
	}
	if _, err := ParseEnvelope(payload[:10]); !errors.As(err, &fe) {
		t.Errorf("ParseEnvelope(short) error = %v", err)
	}
}

func TestMsgIDGen(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := &MsgIDGen{now: func() time.Time { return now }}

	a := g.Next(true)
	b := g.Next(true)
	c := g.Next(false)
	if a%4 != 1 || b%4 != 1 || c%4 != 3 {
		t.Errorf("ids mod 4 = %d %d %d", a%4, b%4, c%4)
	}
	if !(a < b && b < c) {
		t.Errorf("ids not increasing: %x %x %x", a, b, c)
	}
	if a>>32 != now.Unix() {
		t.Errorf("high word = %d, want %d", a>>32, now.Unix())
	}
	d := g.NextClient()
	if d%4 != 0 || d <= c {
		t.Errorf("client id %x after %x", d, c)
	}
}

// rpcResult encodes rpc_result with a hand-written result.
func rpcResult(reqMsgID int64, result func(e *Encoder)) []byte {
	e := NewEncoder()
	e.WriteUint32(0xf35c6d01)
	e.WriteInt64(reqMsgID)
	result(e)
	return e.Bytes()
}

func TestRpcResultBoxedPrimitives(t *testing.T) {
	r := NewCoreRegistry()
	pong := func(id int64) *Object {
		o, _ := r.New("pong")
		return o.Set("msg_id", id).Set("ping_id", id*10)
	}

	tests := []struct {
		name   string
		data   []byte
		result any
	}{
		{"bool_true", rpcResult(42, func(e *Encoder) { e.WriteBool(true) }), true},
		{"bool_false", rpcResult(42, func(e *Encoder) { e.WriteBool(false) }), false},
		{"vector_long", rpcResult(42, func(e *Encoder) { e.WriteInt64Vector([]int64{1, 2}) }), []int64{1, 2}},
		{"vector_int", rpcResult(42, func(e *Encoder) { e.WriteInt32Vector([]int32{7, 8, 9}) }), []int32{7, 8, 9}},
		{"vector_empty", rpcResult(42, func(e *Encoder) { e.WriteVectorHeader(0) }), []any{}},
		{"vector_object", rpcResult(42, func(e *Encoder) {
			e.WriteVectorHeader(2)
			r.EncodeTo(e, pong(1))
			r.EncodeTo(e, pong(2))
		}), []any{pong(1), pong(2)}},
		{"vector_bool", rpcResult(42, func(e *Encoder) {
			e.WriteVectorHeader(2)
			e.WriteBool(false)
			e.WriteBool(true)
		}), []any{false, true}},
		{"vector_string", rpcResult(42, func(e *Encoder) {
			e.WriteVectorHeader(2)
			e.WriteString("ab")
			e.WriteString("cdef")
		}), RawVector{Count: 2, Data: []byte{2, 'a', 'b', 0, 4, 'c', 'd', 'e', 'f', 0, 0, 0}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			obj, n, err := r.Decode(tc.data, 0)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(tc.data) {
				t.Errorf("consumed %d of %d", n, len(tc.data))
			}
			got, _ := obj.Get("result")
			if !sameResult(t, r, got, tc.result) {
				t.Errorf("result = %#v, want %#v", got, tc.result)
			}
			out, err := r.Encode(obj)
			if err != nil {
				t.Fatalf("Encode(decoded) error = %v", err)
			}
			if !bytes.Equal(out, tc.data) {
				t.Errorf("re-encoded\n got % x\nwant % x", out, tc.data)
			}

			built, _ := r.New("rpc_result")
			built.Set("req_msg_id", int64(42)).Set("result", tc.result)
			out, err = r.Encode(built)
			if err != nil {
				t.Fatalf("Encode(built) error = %v", err)
			}
			if !bytes.Equal(out, tc.data) {
				t.Errorf("built\n got % x\nwant % x", out, tc.data)
			}
		})
	}
}

// sameResult compares decoded results by their encoding.
func sameResult(t *testing.T, r *Registry, got, want any) bool {
	t.Helper()
	enc := func(v any) []byte {
		e := NewEncoder()
		if err := r.encodeBoxed(e, "", v); err != nil {
			t.Fatalf("encode %#v: %v", v, err)
		}
		return e.Bytes()
	}
	switch want.(type) {
	case bool, []int64, []int32, []any, RawVector:
	default:
		t.Fatalf("unexpected result type %T", want)
	}
	if fmt.Sprintf("%T", got) != fmt.Sprintf("%T", want) {
		return false
	}
	return bytes.Equal(enc(got), enc(want))
}

// container encodes msg_container around bodies, one message each.
func container(bodies ...[]byte) []byte {
	e := NewEncoder()
	e.WriteUint32(0x73f1f8dc)
	e.WriteInt32(int32(len(bodies)))
	for i, body := range bodies {
		e.WriteInt64(int64(0x5f00000000000001 + 4*i))
		e.WriteInt32(int32(2*i + 1))
		e.WriteInt32(int32(len(body)))
		e.WriteRaw(body)
	}
	return e.Bytes()
}

func TestContainerBoundsMessageBody(t *testing.T) {
	r := NewCoreRegistry()
	longs := rpcResult(7, func(e *Encoder) { e.WriteInt64Vector([]int64{3, 4, 5}) })
	ack := NewEncoder()
	ack.WriteUint32(0x62d6b459)
	ack.WriteInt64Vector([]int64{9})

	data := container(longs, ack.Bytes())
	obj, n, err := r.Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("consumed %d of %d", n, len(data))
	}
	msgs, _ := obj.Get("messages")
	list := msgs.([]any)
	if len(list) != 2 {
		t.Fatalf("messages = %d", len(list))
	}
	result, _ := list[0].(*Object).Object("body").Get("result")
	if v, ok := result.([]int64); !ok || len(v) != 3 || v[2] != 5 {
		t.Errorf("first body result = %#v", result)
	}
	if p := list[1].(*Object).Object("body").Predicate(); p != "msgs_ack" {
		t.Errorf("second body = %s", p)
	}
	if out, _ := r.Encode(obj); !bytes.Equal(out, data) {
		t.Errorf("container did not re-encode byte for byte")
	}

	// The first message's bytes field sits after the container header,
	// msg_id and seqno.
	for _, delta := range []int{4, -4} {
		bad := container(ack.Bytes(), longs)
		binary.LittleEndian.PutUint32(bad[8+12:], uint32(ack.Len()+delta))
		var fe *wire.FormatError
		if _, _, err := r.Decode(bad, 0); !errors.As(err, &fe) {
			t.Errorf("declared %+d: Decode() error = %v, want FormatError", delta, err)
		}
	}
}
