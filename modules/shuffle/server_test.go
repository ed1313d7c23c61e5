package shuffle

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("shuffle", flag.NewFlagSet("", flag.PanicOnError))
	cfg.BaseDir = t.TempDir()
	cfg.ShutdownGrace = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), s))
	})
	return s
}

func shuffleURL(s *Server, params url.Values) string {
	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d/?%s", scheme, s.BoundPort(), params.Encode())
}

func rangeParams(t *testing.T, qid, sid, ta string, start, end int64, final bool) url.Values {
	t.Helper()
	v := url.Values{}
	v.Set(urlParamType, shuffleTypeRange)
	v.Set(urlParamQueryID, qid)
	v.Set(urlParamStageID, sid)
	v.Set(urlParamPartition, "0")
	v.Set(urlParamTaskIDs, ta)
	v.Set(urlParamStartKey, b64Key(t, start))
	v.Set(urlParamEndKey, b64Key(t, end))
	if final {
		v.Set(urlParamFinal, "true")
	}
	return v
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", s.BoundPort()), "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMissingParams(t *testing.T) {
	s := newTestServer(t, nil)

	// nothing at all
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", s.BoundPort()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "required")

	// qid given twice
	v := url.Values{}
	v.Set(urlParamType, shuffleTypeHash)
	v.Add(urlParamQueryID, "q1")
	v.Add(urlParamQueryID, "q2")
	v.Set(urlParamStageID, "s1")
	v.Set(urlParamPartition, "0")
	v.Set(urlParamTaskIDs, "t1")
	resp, err = http.Get(shuffleURL(s, v))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownShuffleType(t *testing.T) {
	s := newTestServer(t, nil)

	v := url.Values{}
	v.Set(urlParamType, "x")
	v.Set(urlParamQueryID, "q1")
	v.Set(urlParamStageID, "s1")
	v.Set(urlParamPartition, "0")
	v.Set(urlParamTaskIDs, "t1")
	resp, err := http.Get(shuffleURL(s, v))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHashModeMissingPartition(t *testing.T) {
	s := newTestServer(t, nil)

	v := url.Values{}
	v.Set(urlParamType, shuffleTypeHash)
	v.Set(urlParamQueryID, uuid.NewString())
	v.Set(urlParamStageID, "s1")
	v.Set(urlParamPartition, "3")
	v.Set(urlParamTaskIDs, "t1")
	resp, err := http.Get(shuffleURL(s, v))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHashModeServesWholeFilesInOrder(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()

	d1 := []byte("first task partition bytes")
	d2 := []byte("second task partition bytes, longer")
	writeHashOutput(t, s.cfg.BaseDir, qid, "s1", "t1", "3", d1)
	writeHashOutput(t, s.cfg.BaseDir, qid, "s1", "t2", "3", d2)

	v := url.Values{}
	v.Set(urlParamType, shuffleTypeHash)
	v.Set(urlParamQueryID, qid)
	v.Set(urlParamStageID, "s1")
	v.Set(urlParamPartition, "3")
	v.Set(urlParamTaskIDs, "t1,t2")
	resp, err := http.Get(shuffleURL(s, v))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(d1)+len(d2)), resp.ContentLength)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, d1...), d2...), body)
}

func TestScatteredHashMode(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()

	data := []byte("scattered hash partition")
	writeHashOutput(t, s.cfg.BaseDir, qid, "s2", "t9", "11", data)

	v := url.Values{}
	v.Set(urlParamType, shuffleTypeScatteredHash)
	v.Set(urlParamQueryID, qid)
	v.Set(urlParamStageID, "s2")
	v.Set(urlParamPartition, "11")
	v.Set(urlParamTaskIDs, "t9")
	resp, err := http.Get(shuffleURL(s, v))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestRangeModeMissingOutputDir(t *testing.T) {
	s := newTestServer(t, nil)

	resp, err := http.Get(shuffleURL(s, rangeParams(t, uuid.NewString(), "s1", "t1", 0, 10, false)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRangeModeMissingKeys(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()
	writeRangeOutput(t, s.cfg.BaseDir, qid, "s1", "t1", []int64{1}, []int64{0}, 10)

	v := rangeParams(t, qid, "s1", "t1", 0, 10, false)
	v.Del(urlParamStartKey)
	resp, err := http.Get(shuffleURL(s, v))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRangeModeServesByteRange(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()
	_, data := writeRangeOutput(t, s.cfg.BaseDir, qid, "s1", "t1",
		[]int64{1, 5, 9}, []int64{0, 100, 300}, 400)

	resp, err := http.Get(shuffleURL(s, rangeParams(t, qid, "s1", "t1", 5, 9, false)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[100:300], body)

	// final=true through end of partition
	resp, err = http.Get(shuffleURL(s, rangeParams(t, qid, "s1", "t1", 9, 20, true)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[300:], body)
}

func TestRangeModeOutOfScope(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()
	writeRangeOutput(t, s.cfg.BaseDir, qid, "s1", "t1",
		[]int64{10, 20}, []int64{0, 50}, 100)

	resp, err := http.Get(shuffleURL(s, rangeParams(t, qid, "s1", "t1", 100, 200, false)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestConcurrentDisjointFetches(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()

	keys := []int64{0, 10, 20, 30, 40, 50, 60, 70}
	offsets := []int64{0, 1 << 10, 2 << 10, 3 << 10, 4 << 10, 5 << 10, 6 << 10, 7 << 10}
	_, data := writeRangeOutput(t, s.cfg.BaseDir, qid, "s1", "t1", keys, offsets, 8<<10)

	var wg sync.WaitGroup
	for i := 0; i < len(keys); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			final := i == len(keys)-1
			end := int64(1000)
			if !final {
				end = keys[i+1]
			}
			resp, err := http.Get(shuffleURL(s, rangeParams(t, qid, "s1", "t1", keys[i], end, final)))
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			if !assert.Equal(t, http.StatusOK, resp.StatusCode) {
				return
			}
			body, err := io.ReadAll(resp.Body)
			if !assert.NoError(t, err) {
				return
			}
			lo := offsets[i]
			hi := int64(8 << 10)
			if !final {
				hi = offsets[i+1]
			}
			assert.Equal(t, data[lo:hi], body, "range %d", i)
		}(i)
	}
	wg.Wait()
}

func TestKeepAliveServesSequentialRequests(t *testing.T) {
	s := newTestServer(t, nil)
	qid := uuid.NewString()
	data := []byte("partition served twice")
	writeHashOutput(t, s.cfg.BaseDir, qid, "s1", "t1", "0", data)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.BoundPort()))
	require.NoError(t, err)
	defer conn.Close()

	v := url.Values{}
	v.Set(urlParamType, shuffleTypeHash)
	v.Set(urlParamQueryID, qid)
	v.Set(urlParamStageID, "s1")
	v.Set(urlParamPartition, "0")
	v.Set(urlParamTaskIDs, "t1")

	br := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		_, err = fmt.Fprintf(conn, "GET /?%s HTTP/1.1\r\nHost: localhost\r\n\r\n", v.Encode())
		require.NoError(t, err)

		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err, "request %d", i)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, data, body)
	}
}

func TestErrorResponseClosesConnection(t *testing.T) {
	s := newTestServer(t, nil)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.BoundPort()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "DELETE / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.True(t, resp.Close)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedRequestLine(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.MaxHeaderBytes = 256
	})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.BoundPort()))
	require.NoError(t, err)
	defer conn.Close()

	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'a'
	}
	_, err = fmt.Fprintf(conn, "GET /?junk=%s HTTP/1.1\r\nHost: localhost\r\n\r\n", long)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTLSServesThroughBufferedPath(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir)

	s := newTestServer(t, func(cfg *Config) {
		cfg.TLS = TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
	})
	qid := uuid.NewString()
	_, data := writeRangeOutput(t, s.cfg.BaseDir, qid, "s1", "t1",
		[]int64{1, 5, 9}, []int64{0, 100, 300}, 400)

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(shuffleURL(s, rangeParams(t, qid, "s1", "t1", 1, 9, true)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestPortMeta(t *testing.T) {
	s := newTestServer(t, nil)

	require.NotZero(t, s.BoundPort())
	meta, err := s.PortMeta()
	require.NoError(t, err)
	port, err := DeserializePortMeta(meta)
	require.NoError(t, err)
	assert.Equal(t, s.BoundPort(), port)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.Registry().Register("app-1", "alice")

	rec := httptest.NewRecorder()
	s.adminMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/shuffle", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status shuffleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, s.BoundPort(), status.Port)
	assert.Equal(t, 1, status.Applications)

	rec = httptest.NewRecorder()
	s.adminMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func writeTestCert(t *testing.T, dir string) (string, string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(crand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certFile, keyFile
}
