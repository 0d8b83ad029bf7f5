package httpserver

import "time"

// Option configures a Server.
type Option func(*Server)

func Addr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.address = addr
		}
	}
}

func ReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WriteTimeout bounds a whole response, including a synchronous batch run
// behind /process.
func WriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

func ShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// BodyLimit caps request bodies in bytes.
func BodyLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bodyLimit = n
		}
	}
}
