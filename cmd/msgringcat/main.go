// msgringcat pipes stdin and stdout through one RDMA-backed message
// ring: the smallest stand-in for the socket shim's data path. Run one
// side with -s, the other pointing -addr at it:
//
//	msgringcat -s -addr :18515
//	msgringcat -addr server:18515
//
// A .env file in the working directory may set MSGRING_* defaults;
// flags win over the environment.
package main

import (
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/rdmashim/msgring/internal/ring"
	"github.com/rdmashim/msgring/internal/verbs"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	// Tuning knobs may live in a .env next to the binary; absence is
	// not an error.
	_ = godotenv.Load()

	var (
		server   = flag.Bool("s", false, "listen for the peer instead of dialing")
		addr     = flag.String("addr", envOr("MSGRING_ADDR", "localhost:18515"), "control-channel TCP address")
		device   = flag.String("dev", os.Getenv("MSGRING_DEVICE"), "RDMA device name (first found if empty)")
		ibPort   = flag.Uint("ib-port", uint(envUint("MSGRING_IB_PORT", 1)), "RDMA device port")
		ringSize = flag.Uint64("ring", envUint("MSGRING_RING_SIZE", 128*1024), "ring capacity in bytes (power of two)")
		yield    = flag.Bool("yield", os.Getenv("MSGRING_YIELD") != "", "yield the CPU while spinning")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.WithField("component", "msgringcat")
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if !ring.IsPowerOfTwo(*ringSize) {
		log.Fatalf("ring size %d is not a power of two", *ringSize)
	}

	conn, err := connect(*server, *addr)
	if err != nil {
		log.WithError(err).Fatal("control channel setup failed")
	}
	defer conn.Close()
	log.WithField("peer", conn.RemoteAddr()).Info("control channel connected")

	rdma, err := verbs.Open(*device, uint8(*ibPort), 0)
	if err != nil {
		log.WithError(err).Fatal("opening RDMA device failed")
	}
	defer rdma.Close()

	qp, err := verbs.NewQueuePair(rdma, ring.DefaultInlineThreshold)
	if err != nil {
		log.WithError(err).Fatal("creating queue pair failed")
	}

	cfg := ring.DefaultConfig(*ringSize)
	cfg.YieldOnSpin = *yield
	mring, err := ring.NewMessageRing(conn, rdma, qp, cfg)
	if err != nil {
		log.WithError(err).Fatal("message ring setup failed")
	}
	defer mring.Close()

	// Chunks must always fit the ring with room to spare or a single
	// Send could stall against its own ring.
	chunk := uint64(32 * 1024)
	if max := *ringSize / 4; chunk > max {
		chunk = max
	}

	errs := make(chan error, 2)
	go pump(mring, int(chunk), errs)
	go drain(mring, int(*ringSize), errs)

	if err := <-errs; err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ring.ErrConnectionLost) {
		log.WithError(err).Error("transfer failed")
	}
	stats := mring.Stats()
	log.WithFields(logrus.Fields{
		"bytes_sent":     stats.BytesSent,
		"bytes_received": stats.BytesReceived,
	}).Info("done")
}

func connect(server bool, addr string) (net.Conn, error) {
	if !server {
		return net.Dial("tcp", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return ln.Accept()
}

// pump forwards stdin into the ring one chunk per message.
func pump(m *ring.MessageRing, chunk int, errs chan<- error) {
	buf := make([]byte, chunk)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if serr := m.Send(buf[:n]); serr != nil {
				errs <- serr
				return
			}
		}
		if err != nil {
			errs <- err
			return
		}
	}
}

// drain copies received messages to stdout. The buffer matches the
// ring capacity so no well-formed message can overflow it.
func drain(m *ring.MessageRing, capacity int, errs chan<- error) {
	buf := make([]byte, capacity)
	for {
		n, err := m.Receive(buf)
		if err != nil {
			errs <- err
			return
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			errs <- err
			return
		}
	}
}
