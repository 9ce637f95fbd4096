// Package filewatch 把挂载的密钥目录中的变化转换为变更事件。
// Kubernetes 的 Secret 卷通过替换 "..data" 符号链接原子更新，一次替换报告为每个文件的更新。
//
// 文件名是经过路径转义的密钥名："%2Fteam%2Fapp%2Fsecrets" 报告为 "/team/app/secrets"。
// 没有转义的文件名原样报告。
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/fsnotify/fsnotify"
)

var _ port.ChangeSource = (*DirChangeSource)(nil)

const dataLink = "..data"

// DirChangeSource 监听一个目录，每个普通文件是一个密钥，以反转义后的文件名为键。
type DirChangeSource struct {
	dir       string
	ready     chan struct{}
	readyOnce sync.Once
}

func NewDirChangeSource(dir string) *DirChangeSource {
	return &DirChangeSource{dir: dir, ready: make(chan struct{})}
}

// Ready 在开始监听目录后关闭。
func (s *DirChangeSource) Ready() <-chan struct{} {
	return s.ready
}

// Watch 阻塞直到 ctx 结束或监听失败。
func (s *DirChangeSource) Watch(ctx context.Context, callback port.ChangeCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	slog.Info("secret directory watcher started", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			for _, ce := range s.translate(ev) {
				callback(ce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("secret directory watcher error", "dir", s.dir, "error", err)
		}
	}
}

// translate 把一个文件系统事件转换为零个或多个变更事件。
func (s *DirChangeSource) translate(ev fsnotify.Event) []domain.ChangeEvent {
	base := filepath.Base(ev.Name)
	now := time.Now()

	if strings.HasPrefix(base, "..") {
		if base != dataLink || !ev.Has(fsnotify.Create) {
			return nil
		}
		var out []domain.ChangeEvent
		for _, key := range s.listKeys() {
			out = append(out, domain.ChangeEvent{Key: key, Operation: domain.ChangeUpdate, ObservedAt: now})
		}
		return out
	}

	op, ok := operationOf(ev.Op)
	if !ok {
		return nil
	}
	return []domain.ChangeEvent{{Key: keyOf(base), Operation: op, ObservedAt: now}}
}

func operationOf(op fsnotify.Op) (domain.ChangeOperation, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return domain.ChangeCreate, true
	case op.Has(fsnotify.Write):
		return domain.ChangeUpdate, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return domain.ChangeDelete, true
	case op.Has(fsnotify.Chmod):
		return domain.ChangeLabelParameterVersion, true
	}
	return "", false
}

// listKeys 返回目录中可见条目对应的密钥名，已排序。
func (s *DirChangeSource) listKeys() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("list secret directory failed", "dir", s.dir, "error", err)
		return nil
	}
	var keys []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "..") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, keyOf(e.Name()))
	}
	sort.Strings(keys)
	return keys
}

// keyOf 从文件名解出密钥名。
func keyOf(name string) string {
	key, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return key
}
