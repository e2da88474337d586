package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile is an append-only writer that rolls over to a new file per
// calendar day: <dir>/<prefix>_YYYY-MM-DD.log
type DailyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	day string
	f   *os.File
}

func NewDailyFile(dir, prefix string) *DailyFile {
	return &DailyFile{dir: dir, prefix: prefix, now: time.Now}
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format("2006-01-02")
	if d.f == nil || day != d.day {
		if err := d.rotate(day); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

func (d *DailyFile) rotate(day string) error {
	if d.f != nil {
		_ = d.f.Close()
		d.f = nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(d.pathFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	d.f = f
	d.day = day
	return nil
}

func (d *DailyFile) pathFor(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", d.prefix, day))
}

// Path returns the file the next write lands in.
func (d *DailyFile) Path() string {
	return d.pathFor(d.now().Format("2006-01-02"))
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
