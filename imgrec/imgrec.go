// Package imgrec contains an image recorder used to automatically save images to disk.
package imgrec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/golab-fli/generichttp"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd subfolders.
// Write appends to the current file; Incr moves on to the next one.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// scanned is the folder counter was last checked against
	scanned string

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// Now is the clock used to pick the dated folder.  Nil uses time.Now
	Now func() time.Time
}

// Active is true if the recorder is enabled and has somewhere to write
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled && r.Root != ""
}

// folder returns the dated subfolder, called with the lock held
func (r *Recorder) folder() string {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	return filepath.Join(r.Root, now.Format("2006-01-02"))
}

// mkDir makes the folder and returns it, called with the lock held
func (r *Recorder) mkDir() (string, error) {
	fldr := r.folder()
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// highest returns the largest counter used by a file in fldr, or -1.
// Called with the lock held
func (r *Recorder) highest(fldr string) int {
	count := -1
	files, err := os.ReadDir(fldr)
	if err != nil {
		return count
	}
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count
}

// resume moves the counter past the files already in fldr the first time
// fldr is used, so a restarted recorder never appends to an old file.
// Called with the lock held
func (r *Recorder) resume(fldr string) {
	if r.scanned == fldr {
		return
	}
	if n := r.highest(fldr) + 1; n > r.counter {
		r.counter = n
	}
	r.scanned = fldr
}

// Filename is the path the next Write goes to
func (r *Recorder) Filename() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr := r.folder()
	r.resume(fldr)
	return filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
}

// Write implements io.Writer and writes the contents of a fits file to disk.
// Consecutive writes go to the same file until Incr is called
func (r *Recorder) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr, err := r.mkDir()
	if err != nil {
		return 0, err
	}
	r.resume(fldr)
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.OpenFile(fn, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return 0, err
	}
	defer fid.Close()
	return fid.Write(p)
}

// Incr updates the filename counter; it scans the folder to do so.  If there is an error, the counter is not incremented
func (r *Recorder) Incr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	dn, err := r.mkDir()
	if err != nil {
		return
	}
	count := r.highest(dn)
	if r.counter > count {
		count = r.counter
	}
	r.counter = count + 1
	r.scanned = dn
}

func (r *Recorder) getRoot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root, nil
}

func (r *Recorder) setRoot(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = s
	r.counter = 0
	r.scanned = ""
	_, err := r.mkDir()
	return err
}

func (r *Recorder) getPrefix() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Prefix, nil
}

func (r *Recorder) setPrefix(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = s
	r.counter = 0
	r.scanned = ""
	return nil
}

func (r *Recorder) getEnabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled, nil
}

func (r *Recorder) setEnabled(b bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = b
	return nil
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and /autowrite/enabled
// to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: "POST", Path: "/autowrite/root"}] = generichttp.SetString(h.setRoot)
	rt[generichttp.MethodPath{Method: "GET", Path: "/autowrite/root"}] = generichttp.GetString(h.getRoot)
	rt[generichttp.MethodPath{Method: "POST", Path: "/autowrite/prefix"}] = generichttp.SetString(h.setPrefix)
	rt[generichttp.MethodPath{Method: "GET", Path: "/autowrite/prefix"}] = generichttp.GetString(h.getPrefix)
	rt[generichttp.MethodPath{Method: "POST", Path: "/autowrite/enabled"}] = generichttp.SetBool(h.setEnabled)
	rt[generichttp.MethodPath{Method: "GET", Path: "/autowrite/enabled"}] = generichttp.GetBool(h.getEnabled)
}
