package transport

import (
	"net/http"
	"sync"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

// installation tracks the observer wrapped around one client.
type installation struct {
	original http.RoundTripper
	wrapper  *observingRoundTripper
	refs     int
}

var (
	installMu sync.Mutex
	installs  = make(map[*http.Client]*installation)
)

// observingRoundTripper reports rate-limit metadata of every response,
// whatever its status, to the registered observers.
type observingRoundTripper struct {
	base http.RoundTripper

	mu        sync.RWMutex
	observers map[int]MetadataFunc
	nextID    int
}

func (o *observingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := o.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	meta := protocol.ParseMetadata(resp.StatusCode, resp.Header)
	o.mu.RLock()
	fns := make([]MetadataFunc, 0, len(o.observers))
	for _, fn := range o.observers {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(meta)
	}
	return resp, nil
}

// Instrument installs a metadata observer on client. The round tripper is
// wrapped once per client no matter how many observers are registered; the
// returned release removes fn and restores the original round tripper when
// the last observer is gone. Calling release more than once is a no-op.
func Instrument(client *http.Client, fn MetadataFunc) (release func()) {
	installMu.Lock()
	defer installMu.Unlock()

	inst, ok := installs[client]
	if !ok {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		inst = &installation{
			original: client.Transport,
			wrapper:  &observingRoundTripper{base: base, observers: make(map[int]MetadataFunc)},
		}
		client.Transport = inst.wrapper
		installs[client] = inst
	}
	inst.refs++

	inst.wrapper.mu.Lock()
	id := inst.wrapper.nextID
	inst.wrapper.nextID++
	inst.wrapper.observers[id] = fn
	inst.wrapper.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			installMu.Lock()
			defer installMu.Unlock()

			inst.wrapper.mu.Lock()
			delete(inst.wrapper.observers, id)
			inst.wrapper.mu.Unlock()

			inst.refs--
			if inst.refs > 0 {
				return
			}
			client.Transport = inst.original
			delete(installs, client)
		})
	}
}
