package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/sl3dscan/acquire/control"
	"github.com/sl3dscan/acquire/decoder"
)

// webServer exposes engine status as JSON, a websocket live-view
// stream of presented bitmaps, and the session's output directory as
// static files, grounded on cmd/lepton/server.go's WebServer but
// generalized from one camera's preview to the whole engine.
type webServer struct {
	surface *control.Surface
	httpSrv *http.Server

	cond      sync.Cond
	images    [32]*decoder.Bitmap
	lastIndex int
}

func startWebServer(port int, surface *control.Surface) *webServer {
	w := &webServer{
		surface:   surface,
		cond:      *sync.NewCond(&sync.Mutex{}),
		lastIndex: -1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", w.status)
	mux.Handle("/stream", websocket.Handler(w.stream))
	mux.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.Dir(surface.OutputRoot))))

	w.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: loggingHandler{mux}}
	go func() {
		if err := w.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("acquired: http server: %s", err)
		}
	}()

	w.wireLiveView()
	return w
}

func (w *webServer) Close() error {
	return w.httpSrv.Close()
}

// wireLiveView attaches a per-projector live-view sink that feeds
// AddImg, fanning every projector's presented bitmaps into one stream.
func (w *webServer) wireLiveView() {
	for _, p := range w.surface.Topology.Projectors() {
		pres, err := w.surface.Coordinator.Presenter(p.ID)
		if err != nil {
			continue
		}
		ch := make(chan *decoder.Bitmap, 4)
		pres.LiveView = ch
		go func() {
			for bmp := range ch {
				w.addImg(bmp)
			}
		}()
	}
}

func (w *webServer) addImg(bmp *decoder.Bitmap) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	w.lastIndex = (w.lastIndex + 1) % len(w.images)
	w.images[w.lastIndex] = bmp
	w.cond.Broadcast()
}

func (w *webServer) status(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(w.surface.Status()); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

// stream sends each newly presented bitmap's raw bytes as one
// websocket frame, the same poll-via-cond pattern
// cmd/lepton/server.go's WebServer.stream uses.
func (w *webServer) stream(conn *websocket.Conn) {
	log.Printf("websocket %s", conn.Config().Origin)
	defer conn.Close()
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	lastIndex := w.lastIndex
	var err error
	for err == nil {
		w.cond.Wait()
		for err == nil && lastIndex != w.lastIndex {
			lastIndex = (lastIndex + 1) % len(w.images)
			bmp := w.images[lastIndex]
			w.cond.L.Unlock()
			if bmp != nil {
				_, err = conn.Write(bmp.Bytes)
			}
			w.cond.L.Lock()
		}
	}
	log.Printf("websocket %s closed: %v", conn.Config().Origin, err)
}

// loggingHandler logs each HTTP request, matching
// cmd/lepton/server.go's loggingHandler.
type loggingHandler struct {
	handler http.Handler
}

type loggingResponseWriter struct {
	http.ResponseWriter
	length int
	status int
}

func (l *loggingResponseWriter) Write(data []byte) (int, error) {
	size, err := l.ResponseWriter.Write(data)
	l.length += size
	return size, err
}

func (l *loggingResponseWriter) WriteHeader(status int) {
	l.ResponseWriter.WriteHeader(status)
	l.status = status
}

// Hijack is needed for websocket.
func (l *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h := l.ResponseWriter.(http.Hijacker)
	return h.Hijack()
}

func (l loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lrw := &loggingResponseWriter{ResponseWriter: w}
	l.handler.ServeHTTP(lrw, r)
	log.Printf("%s - %3d %6db %4s %s", r.RemoteAddr, lrw.status, lrw.length, r.Method, r.RequestURI)
}

