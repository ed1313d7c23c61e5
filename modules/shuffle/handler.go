package shuffle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/yeeunshim/pullserver/pkg/chunk"
)

const (
	urlParamType      = "type"
	urlParamQueryID   = "qid"
	urlParamStageID   = "sid"
	urlParamPartition = "p"
	urlParamTaskIDs   = "ta"
	urlParamStartKey  = "start"
	urlParamEndKey    = "end"
	urlParamFinal     = "final"

	shuffleTypeRange         = "r"
	shuffleTypeHash          = "h"
	shuffleTypeScatteredHash = "s"
)

// handleConn owns one accepted connection: it reads requests off it one at a
// time and keeps it alive between them per HTTP semantics. Request handling
// capacity is bounded by the server semaphore.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.handlersWG.Done()
	s.conns.Store(conn, struct{}{})
	defer func() {
		s.conns.Delete(conn)
		_ = conn.Close()
		s.liveConns.Dec()
	}()

	lr := &io.LimitedReader{R: conn}
	br := bufio.NewReader(lr)

	for {
		// cap how much of the connection one request head may consume
		lr.N = int64(s.cfg.MaxHeaderBytes)

		req, err := http.ReadRequest(br)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			// oversized or malformed framing
			s.sendError(conn, http.StatusBadRequest, "")
			return
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			// shutting down
			return
		}
		keep := s.handleRequest(conn, req)
		s.sem.Release(1)

		if !keep || req.Close {
			return
		}
	}
}

// handleRequest runs one parsed request to completion. The returned bool
// reports whether the connection may serve another request; error responses
// always close.
func (s *Server) handleRequest(conn net.Conn, req *http.Request) bool {
	if req.Method != http.MethodGet {
		return s.sendError(conn, http.StatusMethodNotAllowed, "only GET is supported")
	}

	params := req.URL.Query()
	types := params[urlParamType]
	qids := params[urlParamQueryID]
	sids := params[urlParamStageID]
	partIDs := params[urlParamPartition]
	taskIDLists := params[urlParamTaskIDs]

	if len(types) == 0 || len(qids) == 0 || len(sids) == 0 || len(partIDs) == 0 || len(taskIDLists) == 0 {
		return s.sendError(conn, http.StatusBadRequest, "required qid, type, sid, p and ta parameters")
	}
	if len(qids) != 1 || len(types) != 1 || len(sids) != 1 {
		return s.sendError(conn, http.StatusBadRequest, "qid, type and sid must each have exactly one value")
	}

	queryID := qids[0]
	shuffleType := types[0]
	sid := sids[0]
	partID := partIDs[0]
	taskIDs := splitTaskIDs(taskIDLists)

	level.Debug(s.logger).Log("msg", "shuffle request",
		"type", shuffleType, "qid", queryID, "sid", sid, "p", partID, "ta", strings.Join(taskIDs, ","))

	// the per-query working dir layout written by upstream tasks
	queryBaseDir := filepath.Join(s.cfg.BaseDir, queryID, "output")

	var chunks []chunk.Chunk
	switch shuffleType {
	case shuffleTypeRange:
		if len(taskIDs) != 1 {
			return s.sendError(conn, http.StatusBadRequest, "range shuffle requires exactly one task id")
		}
		outDir := filepath.Join(queryBaseDir, sid, taskIDs[0], "output")
		if fi, err := os.Stat(outDir); err != nil || !fi.IsDir() {
			// an upstream task that produced no output is a valid outcome
			level.Debug(s.logger).Log("msg", "task output dir missing", "dir", outDir)
			return s.sendNoContent(conn)
		}

		starts := params[urlParamStartKey]
		ends := params[urlParamEndKey]
		if len(starts) == 0 || len(ends) == 0 {
			return s.sendError(conn, http.StatusBadRequest, "range shuffle requires start and end keys")
		}
		_, final := params[urlParamFinal]

		c, err := rangeChunk(s.logger, outDir, starts[0], ends[0], final)
		if err != nil {
			if errors.Is(err, ErrIndexState) {
				level.Error(s.logger).Log("msg", "index state error", "uri", req.URL.String(), "err", err)
				return s.sendError(conn, http.StatusInternalServerError, err.Error())
			}
			level.Error(s.logger).Log("msg", "request failed", "uri", req.URL.String(), "err", err)
			return s.sendError(conn, http.StatusBadRequest, "cannot get file chunks to be sent")
		}
		if c != nil {
			chunks = append(chunks, *c)
		}

	case shuffleTypeHash, shuffleTypeScatteredHash:
		// hash partitioning writes one complete file per partition, no
		// index involved
		for _, ta := range taskIDs {
			path := filepath.Join(queryBaseDir, sid, ta, "output", partID)
			fi, err := os.Stat(path)
			if err != nil {
				level.Debug(s.logger).Log("msg", "partition file missing", "path", path)
				return s.sendNoContent(conn)
			}
			chunks = append(chunks, chunk.Chunk{Path: path, Offset: 0, Length: fi.Size()})
		}

	default:
		return s.sendError(conn, http.StatusBadRequest, "unknown shuffle type: "+shuffleType)
	}

	if len(chunks) == 0 {
		return s.sendNoContent(conn)
	}

	var total int64
	for _, c := range chunks {
		total += c.Length
	}
	if err := writeResponseHead(conn, http.StatusOK, total); err != nil {
		return false
	}

	// chunks go out strictly in request order, each fully before the next
	for _, c := range chunks {
		metricConnections.Inc()
		startedAt := time.Now()
		tr, err := s.engine.Send(conn, c, func(_ int64, err error) {
			metricTransferDuration.Observe(time.Since(startedAt).Seconds())
			if err == nil {
				metricOutputsOK.Inc()
			} else {
				metricOutputsFailed.Inc()
			}
			metricConnections.Dec()
		})
		if err != nil {
			metricConnections.Dec()
			if errors.Is(err, chunk.ErrNotFound) {
				// expected when cleanup races a fetch
				level.Info(s.logger).Log("msg", "chunk file gone", "chunk", c.String())
				return s.sendError(conn, http.StatusNotFound, "")
			}
			level.Error(s.logger).Log("msg", "chunk send failed", "chunk", c.String(), "err", err)
			return s.sendError(conn, http.StatusInternalServerError, "chunk transfer failed")
		}
		metricOutputBytes.Add(float64(c.Length)) // optimistic

		if err := tr.Wait(); err != nil {
			// peer is likely gone; the failure is already counted
			return false
		}
	}
	return true
}

func splitTaskIDs(lists []string) []string {
	var out []string
	for _, l := range lists {
		for _, ta := range strings.Split(l, ",") {
			if ta != "" {
				out = append(out, ta)
			}
		}
	}
	return out
}

func (s *Server) sendNoContent(conn net.Conn) bool {
	if err := writeResponseHead(conn, http.StatusNoContent, -1); err != nil {
		return false
	}
	return true
}

// sendError writes a plain-text error response and reports the connection
// unusable. Always returns false so callers can tail-call it.
func (s *Server) sendError(conn net.Conn, status int, msg string) bool {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(msg))
	sb.WriteString("Connection: close\r\n\r\n")
	sb.WriteString(msg)
	_, _ = io.WriteString(conn, sb.String())
	return false
}

func writeResponseHead(conn net.Conn, status int, contentLength int64) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if contentLength >= 0 {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", contentLength)
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(conn, sb.String())
	return err
}
