package viewer

import (
	"context"
	"fmt"
	"sync"

	"github.com/loykin/xcubelab/internal/labinfo"
	"github.com/loykin/xcubelab/internal/lifecycle"
)

// Identity of the viewer view.
const (
	ViewID    = "xcube-viewer"
	ViewTitle = "xcube Viewer"
)

// ServerGetter brings the server up; *lifecycle.Coordinator implements it.
type ServerGetter interface {
	GetServer(ctx context.Context) (*lifecycle.ServerStatus, error)
}

// LabClient registers the lab with the lab-side API.
type LabClient interface {
	SetLabInfo(ctx context.Context, labURL string) (labinfo.LabInfo, error)
}

// View is an opened viewer.
type View struct {
	ID     string                  `json:"id"`
	Title  string                  `json:"title"`
	URL    string                  `json:"url"`
	Server *lifecycle.ServerStatus `json:"server"`
}

// DetectProxy registers baseURL as the lab URL and returns whether the API reports
// jupyter-server-proxy. Done once before the first Open.
func DetectProxy(ctx context.Context, lab LabClient, baseURL string) (bool, error) {
	li, err := lab.SetLabInfo(ctx, baseURL)
	if err != nil {
		return false, fmt.Errorf("register lab info: %w", err)
	}
	return li.HasProxy, nil
}

// Session owns at most one open view. Separate sessions share nothing.
type Session struct {
	getter ServerGetter

	mu   sync.Mutex
	view *View
}

func NewSession(getter ServerGetter) *Session {
	return &Session{getter: getter}
}

// Open returns the open view, or brings the server up and opens a new one.
// Concurrent calls wait for each other so only one server start is requested.
func (s *Session) Open(ctx context.Context) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != nil {
		return s.view, nil
	}
	st, err := s.getter.GetServer(ctx)
	if err != nil {
		return nil, err
	}
	s.view = &View{
		ID:     ViewID,
		Title:  ViewTitle,
		URL:    lifecycle.ViewerURL(st.URL),
		Server: st,
	}
	return s.view, nil
}

// Current returns the open view, if any.
func (s *Session) Current() (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view, s.view != nil
}

// Close drops the view; the next Open goes through the server again.
func (s *Session) Close() {
	s.mu.Lock()
	s.view = nil
	s.mu.Unlock()
}
