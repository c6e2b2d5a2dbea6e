package network

import (
	"crypto/ed25519"
	"net"

	"github.com/sirupsen/logrus"
)

// Dialer opens outbound connections. The zero value of Config uses plain
// TCP; a SOCKS5 dialer from the tor manager drops in here.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type Config struct {
	Port       int
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Dialer     Dialer
	Logger     *logrus.Logger
}
