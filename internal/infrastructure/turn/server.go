package turn

import (
	"fmt"
	"net"
	"strconv"

	"meshcast/pkg/config"
	"meshcast/pkg/logger"

	"github.com/pion/turn/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Server is an embedded TURN relay for participants behind symmetric NATs.
// The topology stays a mesh; TURN only relays a single path.
type Server struct {
	srv  *turn.Server
	conn net.PacketConn
	cfg  Options
}

type Options struct {
	ListenIP string // defaults to 0.0.0.0
	Port     int
	Realm    string
	PublicIP string
	Username string
	Password string
	RelayMin uint16
	RelayMax uint16
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Port:     cfg.TURN.Port,
		Realm:    cfg.TURN.Realm,
		PublicIP: cfg.TURN.PublicIP,
		Username: cfg.TURN.Username,
		Password: cfg.TURN.Password,
		RelayMin: cfg.TURN.RelayMin,
		RelayMax: cfg.TURN.RelayMax,
	}
}

// Serve starts listening on UDP and returns once the server accepts
// allocations.
func Serve(opts Options, log *zap.SugaredLogger) (*Server, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("turn: username and password are required")
	}
	listenIP := opts.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	publicIP := net.ParseIP(opts.PublicIP)
	if publicIP == nil {
		return nil, fmt.Errorf("turn: invalid public ip %q", opts.PublicIP)
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(listenIP, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("turn: listen udp4: %w", err)
	}

	users := map[string][]byte{
		opts.Username: turn.GenerateAuthKey(opts.Username, opts.Realm, opts.Password),
	}

	var relayGen turn.RelayAddressGenerator = &turn.RelayAddressGeneratorStatic{
		RelayAddress: publicIP,
		Address:      listenIP,
	}
	if opts.RelayMin > 0 && opts.RelayMax >= opts.RelayMin {
		relayGen = &turn.RelayAddressGeneratorPortRange{
			RelayAddress: publicIP,
			Address:      listenIP,
			MinPort:      opts.RelayMin,
			MaxPort:      opts.RelayMax,
		}
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		LoggerFactory: logger.PionFactory(log),
		Realm:         opts.Realm,
		AuthHandler: func(username, realm string, src net.Addr) ([]byte, bool) {
			key, ok := users[username]
			if !ok {
				log.Debugw("turn auth rejected", "username", username, "src", src.String())
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn:            conn,
			RelayAddressGenerator: relayGen,
		}},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("turn: start server: %w", err)
	}

	log.Infow("turn server started",
		"addr", conn.LocalAddr().String(),
		"public_ip", opts.PublicIP,
		"relay_min_port", opts.RelayMin,
		"relay_max_port", opts.RelayMax,
	)
	return &Server{srv: srv, conn: conn, cfg: opts}, nil
}

// Addr is the UDP address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// ICEServer describes this relay for peer connection configuration.
func (s *Server) ICEServer() webrtc.ICEServer {
	port := s.conn.LocalAddr().(*net.UDPAddr).Port
	return webrtc.ICEServer{
		URLs:       []string{fmt.Sprintf("turn:%s:%d?transport=udp", s.cfg.PublicIP, port)},
		Username:   s.cfg.Username,
		Credential: s.cfg.Password,
	}
}

// AllocationCount reports the number of live relay allocations.
func (s *Server) AllocationCount() int {
	return s.srv.AllocationCount()
}

func (s *Server) Close() error {
	return s.srv.Close()
}
