// Package artifact stores the per-session scratch files of a compilation.
//
// Every file is addressed by a Key. Physical locations derive only from
// the validated session id and a fixed per-role file name, so two sessions
// can never address the same file and no caller-supplied text reaches a
// path.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound       = errors.New("artifact: not found")
	ErrInvalidSession = errors.New("artifact: invalid session id")
	ErrInvalidRole    = errors.New("artifact: invalid role")
)

// Role is the logical purpose of one scratch file.
type Role int

const (
	RoleBibliography Role = iota + 1
	RoleStyle
	RoleDocument
	RoleAux
	RoleTypesetLog
	RoleBibLog
	RoleOutput
)

// DocumentBase is the base name shared by the generated document and the
// files the toolchain derives from it.
const DocumentBase = "document"

// BibliographyBase and StyleBase are the names the generated document
// uses to reference the staged inputs.
const (
	BibliographyBase = "bibliography"
	StyleBase        = "style"
)

var roleFiles = map[Role]string{
	RoleBibliography: BibliographyBase + ".bib",
	RoleStyle:        StyleBase + ".bst",
	RoleDocument:     DocumentBase + ".tex",
	RoleAux:          DocumentBase + ".aux",
	RoleTypesetLog:   DocumentBase + ".log",
	RoleBibLog:       DocumentBase + ".blg",
	RoleOutput:       DocumentBase + ".bbl",
}

var roleNames = map[Role]string{
	RoleBibliography: "bibliography",
	RoleStyle:        "style",
	RoleDocument:     "document",
	RoleAux:          "aux",
	RoleTypesetLog:   "typeset-log",
	RoleBibLog:       "bib-log",
	RoleOutput:       "output",
}

// Roles lists every role in a stable order.
func Roles() []Role {
	return []Role{RoleBibliography, RoleStyle, RoleDocument, RoleAux, RoleTypesetLog, RoleBibLog, RoleOutput}
}

// FileName returns the session-local file name of r.
func (r Role) FileName() (string, error) {
	name, ok := roleFiles[r]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrInvalidRole, int(r))
	}
	return name, nil
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Key identifies one artifact.
type Key struct {
	Session string
	Role    Role
}

func (k Key) String() string {
	return k.Session + "/" + k.Role.String()
}

var sessionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateSession reports whether id is usable as a storage namespace.
func ValidateSession(id string) error {
	if !sessionPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

// DeleteReport describes one DeleteAll call.
type DeleteReport struct {
	Session string
	Removed []Role
	Missing []Role
}

// SessionDir is a session namespace found on storage.
type SessionDir struct {
	Session  string
	Modified time.Time
}

// Store persists artifacts.
type Store interface {
	Write(ctx context.Context, key Key, data []byte) error
	Read(ctx context.Context, key Key) ([]byte, error)
	Delete(ctx context.Context, key Key) error
	// DeleteAll removes every artifact of session. Deleting artifacts
	// that do not exist is not an error.
	DeleteAll(ctx context.Context, session string) (DeleteReport, error)
	// Dir is the host directory holding session's artifacts, used as the
	// working directory of toolchain passes.
	Dir(session string) (string, error)
	Sessions(ctx context.Context) ([]SessionDir, error)
}
