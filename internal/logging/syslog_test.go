package logging

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	if cfg.Port != 514 {
		t.Errorf("Expected port 514, got %d", cfg.Port)
	}
	if cfg.Protocol != "udp" {
		t.Errorf("Expected protocol udp, got %s", cfg.Protocol)
	}
	if cfg.Tag != "tollgate" {
		t.Errorf("Expected tag tollgate, got %s", cfg.Tag)
	}
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	if _, err := NewSyslogWriter(SyslogConfig{}); err == nil {
		t.Error("Expected error for missing host")
	}
}

func TestSyslogWriter_Write(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	var dialedAddr string
	w, err := newSyslogWriter(SyslogConfig{Host: "10.0.0.2"}, func(network, addr string) (net.Conn, error) {
		dialedAddr = network + "://" + addr
		return client, nil
	})
	if err != nil {
		t.Fatalf("newSyslogWriter: %v", err)
	}
	defer w.Close()

	if dialedAddr != "udp://10.0.0.2:514" {
		t.Errorf("dialed %q, expected defaults applied", dialedAddr)
	}

	done := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		done <- line
	}()

	if _, err := w.Write([]byte("client logged out\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line := <-done
	if !strings.HasPrefix(line, "<30>") {
		t.Errorf("expected daemon.info priority <30>, got %q", line)
	}
	if !strings.Contains(line, "tollgate: client logged out") {
		t.Errorf("unexpected syslog line %q", line)
	}
}

func TestSyslogWriter_DialError(t *testing.T) {
	_, err := newSyslogWriter(SyslogConfig{Host: "10.0.0.2"}, func(string, string) (net.Conn, error) {
		return nil, errors.New("refused")
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
}
