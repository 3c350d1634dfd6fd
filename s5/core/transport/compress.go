package transport

import (
	"net"

	"github.com/golang/snappy"
)

// compressStage snappy framing 流；写侧每次 Write 后立即 Flush，保持交互式流量的延迟
type compressStage struct {
	read, write bool
}

func (compressStage) Name() string { return "compress" }

func (s compressStage) Wrap(c net.Conn) (net.Conn, error) {
	lc := &layerConn{Conn: c, r: c, w: c}
	if s.read {
		lc.r = snappy.NewReader(c)
	}
	if s.write {
		bw := snappy.NewBufferedWriter(c)
		lc.w = &flushWriter{w: bw}
		lc.flush = bw.Flush
	}
	return lc, nil
}

type flushWriter struct {
	w *snappy.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
