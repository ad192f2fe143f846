package main

import (
	"bytes"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/tensorio"
)

func testTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	out := tensor.New(tensor.Float32, shape...)
	data := out.Data()
	for i := range data {
		data[i] = float32(rng.Float64()*2 - 1)
	}
	return out
}

func mustPayload(t *testing.T, tn *tensor.Tensor) tensorPayload {
	t.Helper()
	p, err := payloadFrom(tn)
	require.NoError(t, err)
	return p
}

func postCBOR(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestServer_Attend(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)

	q := testTensor(rng, 1, 8, 2, 4)
	k := testTensor(rng, 1, 8, 2, 4)
	v := testTensor(rng, 1, 8, 2, 4)

	rr := postCBOR(t, srv.handleAttend, "/attend", attendRequest{
		Q: mustPayload(t, q), K: mustPayload(t, k), V: mustPayload(t, v),
		Causal: true,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp attendResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []int{1, 8, 2, 4}, resp.Context.Shape)

	got, err := resp.Context.tensor(tensor.Float32)
	require.NoError(t, err)
	want := attention.Reference(q, k, v, nil, nil, true, 0.5) // 1/sqrt(4)
	for i, g := range got.Data() {
		assert.InDelta(t, want.Data()[i], g, 1e-5)
	}
}

func TestServer_AttendArrowStream(t *testing.T) {
	rng := rand.New(rand.NewSource(47))
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)

	q := testTensor(rng, 1, 4, 2, 4)
	k := testTensor(rng, 1, 4, 2, 4)
	v := testTensor(rng, 1, 4, 2, 4)

	body, err := cbor.Marshal(attendRequest{
		Q: mustPayload(t, q), K: mustPayload(t, k), V: mustPayload(t, v),
		Causal: true,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/attend", bytes.NewReader(body))
	req.Header.Set("Accept", arrowStreamMIME)
	rr := httptest.NewRecorder()
	srv.handleAttend(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, arrowStreamMIME, rr.Header().Get("Content-Type"))
	require.Equal(t, "1,4,2,4", rr.Header().Get("X-Tensor-Shape"))
	require.Equal(t, "float32", rr.Header().Get("X-Tensor-Dtype"))

	reader, err := ipc.NewReader(rr.Body)
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())

	got, err := tensorio.TensorFromRecord(reader.Record(), tensorio.Envelope{
		Role: "context", Shape: []int{1, 4, 2, 4}, DType: "float32",
	})
	require.NoError(t, err)

	want := attention.Reference(q, k, v, nil, nil, true, 0.5)
	for i, g := range got.Data() {
		assert.InDelta(t, want.Data()[i], g, 1e-5)
	}
}

func TestServer_AttendErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)

	t.Run("method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/attend", nil)
		rr := httptest.NewRecorder()
		srv.handleAttend(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("bad cbor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/attend", bytes.NewReader([]byte{0xff, 0x13}))
		rr := httptest.NewRecorder()
		srv.handleAttend(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad dtype", func(t *testing.T) {
		q := mustPayload(t, testTensor(rng, 1, 2, 2, 4))
		rr := postCBOR(t, srv.handleAttend, "/attend", attendRequest{Q: q, K: q, V: q, DType: "int8"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("truncated payload", func(t *testing.T) {
		q := mustPayload(t, testTensor(rng, 1, 2, 2, 4))
		short := tensorPayload{Shape: []int{1, 2, 2, 4}, Data: q.Data[:8]}
		rr := postCBOR(t, srv.handleAttend, "/attend", attendRequest{Q: short, K: q, V: q})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad rank", func(t *testing.T) {
		q := mustPayload(t, testTensor(rng, 2, 2, 4))
		rr := postCBOR(t, srv.handleAttend, "/attend", attendRequest{Q: q, K: q, V: q})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("segment batch mismatch", func(t *testing.T) {
		q := mustPayload(t, testTensor(rng, 2, 4, 2, 4))
		ids := mustPayload(t, testTensor(rng, 3, 4))
		rr := postCBOR(t, srv.handleAttend, "/attend", attendRequest{
			Q: q, K: q, V: q, SegmentIDs: &ids,
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code,
			"engine configuration panics surface as 400s")
	})
}

func TestServer_DecodeSession(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)

	const steps = 4
	var kAll, vAll []*tensor.Tensor
	var lastQ, lastGot *tensor.Tensor

	for i := 0; i < steps; i++ {
		q := testTensor(rng, 1, 1, 2, 4)
		kStep := testTensor(rng, 1, 1, 2, 4)
		vStep := testTensor(rng, 1, 1, 2, 4)
		kAll, vAll = append(kAll, kStep), append(vAll, vStep)

		rr := postCBOR(t, srv.handleDecode, "/decode", decodeRequest{
			Session: "sess", Q: mustPayload(t, q), K: mustPayload(t, kStep), V: mustPayload(t, vStep),
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp decodeResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, i, resp.Position, "position advances with each step")

		lastQ = q
		var err error
		lastGot, err = resp.Context.tensor(tensor.Float32)
		require.NoError(t, err)
	}

	// The final step must attend over the whole accumulated history.
	k := tensor.New(tensor.Float32, 1, steps, 2, 4)
	v := tensor.New(tensor.Float32, 1, steps, 2, 4)
	for i := 0; i < steps; i++ {
		copy(k.Data()[i*8:(i+1)*8], kAll[i].Data())
		copy(v.Data()[i*8:(i+1)*8], vAll[i].Data())
	}
	want := attention.Reference(lastQ, k, v, nil, nil, false, 0.5)
	for i, g := range lastGot.Data() {
		assert.InDelta(t, want.Data()[i], g, 1e-5)
	}
}

func TestServer_DecodeNeedsSession(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)

	q := mustPayload(t, testTensor(rng, 1, 1, 2, 4))
	rr := postCBOR(t, srv.handleDecode, "/decode", decodeRequest{Q: q, K: q, V: q})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_DropSession(t *testing.T) {
	rng := rand.New(rand.NewSource(45))
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)

	q := mustPayload(t, testTensor(rng, 1, 1, 2, 4))
	rr := postCBOR(t, srv.handleDecode, "/decode", decodeRequest{Session: "sess", Q: q, K: q, V: q})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, srv.kv.Sessions())

	rr = postCBOR(t, srv.handleDropSession, "/session/drop", dropRequest{Session: "sess"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, srv.kv.Sessions())
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(attention.BackendCPU, 0, 0, 1024)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.handleHealth(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}
