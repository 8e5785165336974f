package server

import (
	"fmt"

	"github.com/migadu/smtpd/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries what every log line of a connection shows.
type Session struct {
	Id        string
	RemoteIP  string
	HostName  string
	Protocol  string
	User      string // authenticated address, empty before AUTH
	AccountID int64
	Stats     ConnectionStatsProvider
}

func (s *Session) attrs(format string, args []any) []any {
	user := "none"
	if s.User != "" {
		user = fmt.Sprintf("%s/%d", s.User, s.AccountID)
	}
	kv := []any{"protocol", s.Protocol, "remote", s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		kv = append(kv, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(kv, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.attrs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.attrs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.attrs(format, args)...)
}
