package server

import (
	"fmt"

	"github.com/migadu/tern/logger"
)

// Session carries the connection-scoped identity shared by protocol sessions.
type Session struct {
	Id       string
	RemoteIP string
	*User
	HostName string
	Protocol string
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", "protocol", s.Protocol, "remote", s.RemoteIP, "user", s.userLabel(), "session", s.Id, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", "protocol", s.Protocol, "remote", s.RemoteIP, "user", s.userLabel(), "session", s.Id, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", "protocol", s.Protocol, "remote", s.RemoteIP, "user", s.userLabel(), "session", s.Id, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) userLabel() string {
	if s.User == nil {
		return "none"
	}
	return fmt.Sprintf("%s/%d", s.FullAddress(), s.AccountID())
}
