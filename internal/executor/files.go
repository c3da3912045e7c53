package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/model"
)

func (e *Executor) readFile(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.ReadFile)
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "open")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "stat")
	}
	if info.IsDir() {
		return nil, model.Errorf(model.ErrExecutionFailure, "%s is a directory", a.Path)
	}

	buf, err := io.ReadAll(io.LimitReader(f, int64(e.cfg.MaxReadBytes)+1))
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "read")
	}
	truncated := len(buf) > e.cfg.MaxReadBytes
	if truncated {
		buf = buf[:e.cfg.MaxReadBytes]
	}
	return map[string]any{
		"path":      a.Path,
		"size":      info.Size(),
		"content":   string(buf),
		"truncated": truncated,
	}, nil
}

func (e *Executor) listDir(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.ListDir)
	entries, err := os.ReadDir(a.Path)
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "read dir")
	}

	out := make([]any, 0, len(entries))
	for _, de := range entries {
		item := map[string]any{"name": de.Name(), "type": entryType(de)}
		if info, err := de.Info(); err == nil && info.Mode().IsRegular() {
			item["size"] = info.Size()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(map[string]any)["name"].(string) < out[j].(map[string]any)["name"].(string)
	})
	return map[string]any{"path": a.Path, "entries": out}, nil
}

// resolve returns path with the symlinks in its parent directories
// resolved and checks the result against the path guard. The last element
// is left as is: callers act on it with Lstat, Rename, or O_NOFOLLOW, none
// of which follow a link there.
func (e *Executor) resolve(path string) (string, error) {
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", model.Wrap(model.ErrExecutionFailure, err, "resolve")
	}
	resolved := filepath.Join(dir, filepath.Base(path))
	if e.guard != nil && e.guard(resolved) {
		e.log.Warn("refusing mutation of protected path",
			logger.String("path", path),
			logger.String("resolved", resolved),
		)
		return "", model.Errorf(model.ErrPolicyDenied, "%s resolves to a protected path", path)
	}
	return resolved, nil
}

func entryType(de os.DirEntry) string {
	switch {
	case de.IsDir():
		return "dir"
	case de.Type()&os.ModeSymlink != 0:
		return "symlink"
	case de.Type().IsRegular():
		return "file"
	default:
		return "other"
	}
}

func (e *Executor) writeFile(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.WriteFile)
	flags := os.O_WRONLY | os.O_CREATE
	if a.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	resolved, err := e.resolve(a.Path)
	if err != nil {
		return nil, err
	}
	f, err := openNoFollow(resolved, flags, os.FileMode(a.Mode))
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, model.Errorf(model.ErrPolicyDenied, "%s is a symlink", a.Path)
		}
		return nil, model.Wrap(model.ErrExecutionFailure, err, "open")
	}
	n, err := f.WriteString(a.Content)
	if err != nil {
		f.Close()
		return nil, model.Wrap(model.ErrExecutionFailure, err, "write")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, model.Wrap(model.ErrExecutionFailure, err, "sync")
	}
	if err := f.Close(); err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "close")
	}
	return map[string]any{"path": a.Path, "bytes_written": n, "appended": a.Append}, nil
}

func (e *Executor) deleteFile(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.DeleteFile)
	resolved, err := e.resolve(a.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "stat")
	}
	if info.IsDir() && !a.Recursive {
		if err := os.Remove(resolved); err != nil {
			return nil, model.Wrap(model.ErrExecutionFailure, err, "remove directory (set recursive=true for non-empty)")
		}
	} else if a.Recursive {
		if err := os.RemoveAll(resolved); err != nil {
			return nil, model.Wrap(model.ErrExecutionFailure, err, "remove")
		}
	} else if err := os.Remove(resolved); err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "remove")
	}
	return map[string]any{"path": a.Path, "deleted": true}, nil
}

func (e *Executor) moveFile(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.MoveFile)
	src, err := e.resolve(a.Path)
	if err != nil {
		return nil, err
	}
	dest, err := e.resolve(a.Dest)
	if err != nil {
		return nil, model.Wrap(model.KindOf(err), err, "destination directory")
	}
	if _, err := os.Lstat(dest); err == nil {
		return nil, model.Errorf(model.ErrExecutionFailure, "destination %s exists", a.Dest)
	}
	if err := os.Rename(src, dest); err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, fmt.Sprintf("move %s", a.Path))
	}
	return map[string]any{"path": a.Path, "dest": a.Dest}, nil
}
