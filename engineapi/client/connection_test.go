package client

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gambitdev/gambit/common/stats"
	"github.com/gambitdev/gambit/engineapi/wire"
	"github.com/gambitdev/gambit/fleet"
)

const testWait = 5 * time.Second

func Test_Connection_ConnectFramingAndBadLines(t *testing.T) {
	listener := listen(t)
	defer listener.Close()

	readyCh := make(chan string, 1)
	msgCh := make(chan wire.Envelope, 10)
	conn := makeTestConnection(t, listener, ConnectionCallbacks{
		OnReady:   func(serverId string) { readyCh <- serverId },
		OnMessage: func(serverId string, env wire.Envelope) { msgCh <- env },
	})
	defer conn.Close()
	conn.ConnectToHost()

	server := acceptOne(t, listener)
	defer server.Close()

	select {
	case serverId := <-readyCh:
		if serverId != "test-1" {
			t.Errorf("Expected ready for test-1, got %s", serverId)
		}
	case <-time.After(testWait):
		t.Fatalf("Expected the plain session to become ready on connect")
	}

	// one status line, one garbage line, one update line and a blank;
	// the garbage and the blank must not take the session down
	server.Write([]byte(`{"type":"server_status","status":1,"running_jobs":0,"max_jobs":2}` + "\n"))
	server.Write([]byte("this is not json\n"))
	server.Write([]byte("\n"))
	server.Write([]byte(`{"type":"job_update","job_id":"job-1","status":2,"depth":5,"score_cp":31,"pv":"e2e4"}` + "\n"))

	types := []string{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-msgCh:
			types = append(types, env.Type)
		case <-time.After(testWait):
			t.Fatalf("Expected 2 decoded messages, got %d (%v)", len(types), types)
		}
	}
	if types[0] != wire.TypeServerStatus || types[1] != wire.TypeJobUpdate {
		t.Errorf("Expected [server_status job_update] in wire order, got %v", types)
	}
	if !conn.IsConnected() {
		t.Errorf("Expected the session to survive the unparsable line")
	}
}

func Test_Connection_SendWhileDownIsDropped(t *testing.T) {
	listener := listen(t)
	defer listener.Close()

	conn := makeTestConnection(t, listener, ConnectionCallbacks{})
	defer conn.Close()

	// never connected: the send is dropped, not an error
	if err := conn.Send(wire.NewPing()); err != nil {
		t.Errorf("Expected a send while down to be dropped silently, got %v", err)
	}
}

func Test_Connection_SendReachesServer(t *testing.T) {
	listener := listen(t)
	defer listener.Close()

	readyCh := make(chan string, 1)
	conn := makeTestConnection(t, listener, ConnectionCallbacks{
		OnReady: func(serverId string) { readyCh <- serverId },
	})
	defer conn.Close()
	conn.ConnectToHost()

	server := acceptOne(t, listener)
	defer server.Close()
	waitReady(t, readyCh)

	if err := conn.Send(wire.NewJobCancel("job-9")); err != nil {
		t.Fatalf("Expected send to succeed, got %v", err)
	}

	server.SetReadDeadline(time.Now().Add(testWait))
	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("Expected a line on the server side, got %v", err)
	}
	if !strings.Contains(line, `"job_cancel"`) || !strings.Contains(line, `"job-9"`) {
		t.Errorf("Expected a job_cancel line for job-9, got %s", line)
	}
}

func Test_Connection_DisconnectFiresOnClosed(t *testing.T) {
	listener := listen(t)
	defer listener.Close()

	readyCh := make(chan string, 1)
	closedCh := make(chan string, 1)
	conn := makeTestConnection(t, listener, ConnectionCallbacks{
		OnReady:  func(serverId string) { readyCh <- serverId },
		OnClosed: func(serverId string) { closedCh <- serverId },
	})
	defer conn.Close()
	conn.ConnectToHost()

	server := acceptOne(t, listener)
	waitReady(t, readyCh)
	server.Close()

	select {
	case serverId := <-closedCh:
		if serverId != "test-1" {
			t.Errorf("Expected closed for test-1, got %s", serverId)
		}
	case <-time.After(testWait):
		t.Fatalf("Expected OnClosed after the server dropped the session")
	}
	if conn.IsConnected() {
		t.Errorf("Expected IsConnected false after disconnect")
	}
}

func Test_Connection_ReconnectAfterDisconnect(t *testing.T) {
	listener := listen(t)
	defer listener.Close()

	readyCh := make(chan string, 2)
	closedCh := make(chan string, 2)
	conn := makeTestConnection(t, listener, ConnectionCallbacks{
		OnReady:  func(serverId string) { readyCh <- serverId },
		OnClosed: func(serverId string) { closedCh <- serverId },
	})
	defer conn.Close()

	conn.ConnectToHost()
	server := acceptOne(t, listener)
	waitReady(t, readyCh)
	server.Close()
	<-closedCh

	// the owner's heartbeat drives reconnects; emulate one beat
	conn.ConnectToHost()
	server2 := acceptOne(t, listener)
	defer server2.Close()
	waitReady(t, readyCh)

	if !conn.IsConnected() {
		t.Errorf("Expected the session to be up again after reconnect")
	}
}

func Test_Connection_ConnectToHostWhileUpIsNoop(t *testing.T) {
	listener := listen(t)
	defer listener.Close()

	readyCh := make(chan string, 2)
	conn := makeTestConnection(t, listener, ConnectionCallbacks{
		OnReady: func(serverId string) { readyCh <- serverId },
	})
	defer conn.Close()

	conn.ConnectToHost()
	server := acceptOne(t, listener)
	defer server.Close()
	waitReady(t, readyCh)

	conn.ConnectToHost()
	acceptCh := make(chan net.Conn, 1)
	go func() {
		if c, err := listener.Accept(); err == nil {
			acceptCh <- c
		}
	}()
	select {
	case c := <-acceptCh:
		c.Close()
		t.Errorf("Expected no second dial while the session is up")
	case <-time.After(time.Second):
	}
}

func Test_Connection_TlsConfigRequiresMaterial(t *testing.T) {
	info := fleet.ServerInfo{
		Id: "tls-1", Host: "127.0.0.1", Port: 9000,
		TlsEnabled: true, TlsCaFile: "ca.pem",
	}
	if _, err := buildTLSConfig(info, ""); err == nil {
		t.Errorf("Expected an error when cert/key paths are missing")
	}

	info.TlsClientCertFile = "missing-cert.pem"
	info.TlsClientKeyFile = "missing-key.pem"
	if _, err := buildTLSConfig(info, t.TempDir()); err == nil {
		t.Errorf("Expected an error when tls files do not exist")
	}
}

func listen(t *testing.T) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Could not listen: %v", err)
	}
	return listener
}

func acceptOne(t *testing.T, listener net.Listener) net.Conn {
	acceptCh := make(chan net.Conn, 1)
	go func() {
		if conn, err := listener.Accept(); err == nil {
			acceptCh <- conn
		}
	}()
	select {
	case conn := <-acceptCh:
		return conn
	case <-time.After(testWait):
		t.Fatalf("Expected a connection to arrive")
		return nil
	}
}

func waitReady(t *testing.T, readyCh chan string) {
	select {
	case <-readyCh:
	case <-time.After(testWait):
		t.Fatalf("Expected the session to become ready")
	}
}

func makeTestConnection(t *testing.T, listener net.Listener, callbacks ConnectionCallbacks) *Connection {
	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("Could not split listener address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	info := fleet.ServerInfo{
		Id: "test-1", Name: "test-1", Host: host, Port: port,
		ThreadsPerJob: 1, MaxJobs: 1, Enabled: true,
	}
	return NewConnection(info, "", time.Second, stats.NilStatsReceiver(), callbacks)
}
