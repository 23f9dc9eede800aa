package proto

import (
	"reflect"
	"testing"

	"github.com/go-mizu/syncd/wire"
)

func roundTrip[T any](t *testing.T, in T) T {
	t.Helper()
	b, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out T
	if err := wire.Decode(b, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return out
}

func TestSyncOperation_RoundTrip(t *testing.T) {
	in := SyncOperation{
		OpID: 5, DBID: "db1", DeviceID: "dev1", Collection: "notes",
		EntityID: "n1", OpType: OpUpsert, EntityVersion: 2,
		EntityCbor: []byte{0xa0, 0xb1}, TimestampMs: 1000,
	}
	out := roundTrip(t, in)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", out, in)
	}
}

func TestSyncOperation_Delete_NoPostImage(t *testing.T) {
	in := SyncOperation{OpID: 1, OpType: OpDelete}
	out := roundTrip(t, in)
	if !out.IsDelete() {
		t.Fatal("expected IsDelete() true for delete op")
	}
}

func TestSyncOperation_IsDelete_NilCbor(t *testing.T) {
	op := SyncOperation{OpType: OpUpsert, EntityCbor: nil}
	if !op.IsDelete() {
		t.Fatal("a nil post-image must imply delete regardless of OpType")
	}
}

func TestServerOplogEntry_RoundTrip(t *testing.T) {
	in := ServerOplogEntry{
		SyncOperation: SyncOperation{OpID: 1, DBID: "db1", Collection: "notes", EntityID: "n1", OpType: OpUpsert},
		ServerCursor:  42,
	}
	out := roundTrip(t, in)
	if out.ServerCursor != 42 || out.OpID != 1 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestHandshakeRequest_RoundTrip(t *testing.T) {
	in := HandshakeRequest{ClientProtocolVersion: 3, DeviceID: "d1", DBID: "db1", LastCursor: 9}
	out := roundTrip(t, in)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestHandshakeResponse_RoundTrip_Rejected(t *testing.T) {
	in := HandshakeResponse{
		ServerProtocolVersion: ProtocolVersion{Current: 3, MinSupported: 1},
		Accepted:              false,
		RejectReason:          RejectVersionMismatch,
	}
	out := roundTrip(t, in)
	if out.RejectReason != RejectVersionMismatch {
		t.Fatalf("RejectReason = %q, want %q", out.RejectReason, RejectVersionMismatch)
	}
}

func TestPullRequestResponse_RoundTrip(t *testing.T) {
	req := PullRequest{DBID: "db1", SinceCursor: 0, Limit: 100, Collections: []string{"notes", "tags"}}
	outReq := roundTrip(t, req)
	if len(outReq.Collections) != 2 {
		t.Fatalf("Collections = %v", outReq.Collections)
	}

	resp := PullResponse{
		Ops: []ServerOplogEntry{
			{SyncOperation: SyncOperation{OpID: 1}, ServerCursor: 1},
		},
		NextCursor: 1,
		HasMore:    false,
	}
	outResp := roundTrip(t, resp)
	if len(outResp.Ops) != 1 || outResp.NextCursor != 1 {
		t.Fatalf("round trip mismatch: %+v", outResp)
	}
}

func TestPushRequestResponse_RoundTrip(t *testing.T) {
	req := PushRequest{DBID: "db1", DeviceID: "dev1", Ops: []SyncOperation{{OpID: 1}, {OpID: 2}}}
	outReq := roundTrip(t, req)
	if len(outReq.Ops) != 2 {
		t.Fatalf("Ops = %v", outReq.Ops)
	}

	resp := PushResponse{
		AcceptedUpToOpID: 2,
		Conflicts: []Conflict{
			{Collection: "notes", EntityID: "n1", ServerState: ServerState{EntityVersion: 3}},
		},
		NewServerCursor: 5,
	}
	outResp := roundTrip(t, resp)
	if len(outResp.Conflicts) != 1 || outResp.Conflicts[0].EntityID != "n1" {
		t.Fatalf("round trip mismatch: %+v", outResp)
	}
}

func TestErrorResponse_RoundTrip(t *testing.T) {
	in := ErrorResponse{Code: CodeVersionMismatch, Message: "client too old", Details: map[string]any{"minSupported": int64(2)}}
	out := roundTrip(t, in)
	if out.Code != CodeVersionMismatch || out.Message != in.Message {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Error() != "versionMismatch: client too old" {
		t.Fatalf("Error() = %q", out.Error())
	}
}

func TestProtocolVersion_Compatible(t *testing.T) {
	v := ProtocolVersion{Current: 3, MinSupported: 1}

	cases := []struct {
		client int
		want   bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, true},
		{4, false},
	}

	for _, c := range cases {
		if got := v.Compatible(c.client); got != c.want {
			t.Errorf("Compatible(%d) = %v, want %v", c.client, got, c.want)
		}
	}
}

func TestInitialCursor(t *testing.T) {
	c := InitialCursor("db1")
	if c.LastSeenServerCursor != 0 {
		t.Fatalf("initial cursor = %d, want 0", c.LastSeenServerCursor)
	}
}
