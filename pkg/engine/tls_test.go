package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/websocket"
)

// writeKeyPair writes a self-signed certificate for 127.0.0.1 and its key
// into dir and returns a pool trusting it.
func writeKeyPair(t *testing.T, dir string) (certPath, keyPath string, pool *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "wsbroker test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error: %v", err)
	}

	certPath = filepath.Join(dir, "server.pem")
	keyPath = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error: %v", err)
	}
	pool = x509.NewCertPool()
	pool.AddCert(cert)
	return certPath, keyPath, pool
}

// twoPorts returns two distinct free ports.
func twoPorts(t *testing.T) (int, int) {
	t.Helper()
	a := freePort(t)
	b := freePort(t)
	for b == a {
		b = freePort(t)
	}
	return a, b
}

func TestTLSAndPlainSideBySide(t *testing.T) {
	webDir := t.TempDir()
	os.WriteFile(filepath.Join(webDir, "index.html"), []byte("secure"), 0o644)
	certPath, keyPath, pool := writeKeyPair(t, t.TempDir())
	port, tlsPort := twoPorts(t)

	h := newEchoHarness(t, Config{
		BindAddress: "127.0.0.1",
		WebDir:      webDir,
		Port:        port,
		TLSPort:     tlsPort,
		TLSCertPath: certPath,
		TLSKeyPath:  keyPath,
	}, 4096)
	if err := h.eng.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	if addrs := h.eng.Addrs(); len(addrs) != 2 {
		t.Fatalf("Addrs() = %v, want plaintext and TLS", addrs)
	}

	tlsCfg := &tls.Config{RootCAs: pool}
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   5 * time.Second,
	}
	plainURL := "127.0.0.1:" + strconv.Itoa(port)
	tlsURL := "127.0.0.1:" + strconv.Itoa(tlsPort)

	for _, u := range []string{"http://" + plainURL + "/", "https://" + tlsURL + "/"} {
		resp, err := client.Get(u)
		if err != nil {
			t.Fatalf("GET %s error: %v", u, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "secure" {
			t.Errorf("GET %s = %d %q, want 200 secure", u, resp.StatusCode, body)
		}
	}

	// Plaintext over the TLS port fails the handshake.
	if resp, err := client.Get("http://" + tlsURL + "/"); err == nil {
		if resp.StatusCode == http.StatusOK {
			t.Error("plaintext request on the TLS port succeeded")
		}
		resp.Body.Close()
	}

	dialer := websocket.Dialer{TLSClientConfig: tlsCfg, HandshakeTimeout: 5 * time.Second}
	secure, _, err := dialer.Dial("wss://"+tlsURL+"/", nil)
	if err != nil {
		t.Fatalf("wss Dial() error: %v", err)
	}
	defer secure.Close()
	plain, _, err := websocket.DefaultDialer.Dial("ws://"+plainURL+"/", nil)
	if err != nil {
		t.Fatalf("ws Dial() error: %v", err)
	}
	defer plain.Close()
	h.waitEvents(t, EventEstablished, 2)

	for name, conn := range map[string]*websocket.Conn{"wss": secure, "ws": plain} {
		msg := "hello over " + name
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("%s WriteMessage() error: %v", name, err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s ReadMessage() error: %v", name, err)
		}
		if string(got) != msg {
			t.Errorf("%s echo = %q, want %q", name, got, msg)
		}
	}
}

func TestTLSOnlyGobwas(t *testing.T) {
	certPath, keyPath, pool := writeKeyPair(t, t.TempDir())
	tlsPort := freePort(t)

	h := newEchoHarness(t, Config{
		BindAddress: "127.0.0.1",
		Port:        -1,
		TLSPort:     tlsPort,
		TLSCertPath: certPath,
		TLSKeyPath:  keyPath,
		Framer:      FramerGobwas,
	}, 4096)
	if err := h.eng.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	if addrs := h.eng.Addrs(); len(addrs) != 1 {
		t.Fatalf("Addrs() = %v, want only TLS", addrs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := ws.Dialer{TLSConfig: &tls.Config{RootCAs: pool}}
	conn, br, _, err := d.Dial(ctx, "wss://127.0.0.1:"+strconv.Itoa(tlsPort)+"/")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}

	if err := wsutil.WriteClientText(conn, []byte("tls frame")); err != nil {
		t.Fatalf("WriteClientText() error: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := wsutil.ReadServerText(rw)
	if err != nil {
		t.Fatalf("ReadServerText() error: %v", err)
	}
	if string(got) != "tls frame" {
		t.Errorf("echo = %q, want %q", got, "tls frame")
	}
}
