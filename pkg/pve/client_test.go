package pve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestTokenAuthHeader(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":{"version":"8.2.4","release":"8.2"}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Host:       server.URL,
		TokenName:  "monitor@pam!corebit",
		TokenValue: "secret-uuid",
		VerifySSL:  false,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	version, err := client.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if version.Version != "8.2.4" {
		t.Errorf("version = %q, want 8.2.4", version.Version)
	}

	want := "PVEAPIToken=monitor@pam!corebit=secret-uuid"
	if got := gotAuth.Load(); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestTicketAuthFlow(t *testing.T) {
	var authCalls atomic.Int32
	var gotCookie atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api2/json/access/ticket" {
			authCalls.Add(1)
			w.Write([]byte(`{"data":{"ticket":"PVE:root@pam:TICKET","CSRFPreventionToken":"CSRF:token"}}`))
			return
		}
		gotCookie.Store(r.Header.Get("Cookie"))
		w.Write([]byte(`{"data":{"version":"8.2.4"}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Host:     server.URL,
		User:     "root@pam",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.GetVersion(context.Background()); err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("auth calls = %d, want 1", got)
	}
	if got := gotCookie.Load(); got != "PVEAuthCookie=PVE:root@pam:TICKET" {
		t.Errorf("Cookie = %q, want the issued ticket", got)
	}
}

func TestTicketAuthFormFallback(t *testing.T) {
	var formSeen atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/json/access/ticket" {
			w.Write([]byte(`{"data":{}}`))
			return
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		formSeen.Store(true)
		w.Write([]byte(`{"data":{"ticket":"TICKET","CSRFPreventionToken":"CSRF"}}`))
	}))
	defer server.Close()

	_, err := NewClient(ClientConfig{
		Host:     server.URL,
		User:     "root",
		Realm:    "pam",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if !formSeen.Load() {
		t.Error("form-encoded fallback was never attempted")
	}
}

func TestTicketAuthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid credentials"))
	}))
	defer server.Close()

	_, err := NewClient(ClientConfig{
		Host:     server.URL,
		User:     "root@pam",
		Password: "wrong",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGetVMResources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/json/cluster/resources" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("type") != "vm" {
			t.Errorf("type param = %q, want vm", r.URL.Query().Get("type"))
		}
		w.Write([]byte(`{"data":[
			{"vmid":101,"name":"web01","node":"pve1","type":"qemu","status":"running","cpu":0.03,"maxcpu":4,"mem":2147483648,"maxmem":4294967296,"uptime":86400},
			{"vmid":200,"name":"dns","node":"pve2","type":"lxc","status":"stopped"},
			{"vmid":900,"name":"tmpl","node":"pve1","type":"qemu","status":"stopped","template":1}
		]}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Host: server.URL, TokenName: "u@pam!t", TokenValue: "v"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	vms, err := client.GetVMResources(context.Background())
	if err != nil {
		t.Fatalf("GetVMResources failed: %v", err)
	}
	if len(vms) != 3 {
		t.Fatalf("got %d resources, want 3", len(vms))
	}
	if vms[0].VMID != 101 || vms[0].Type != "qemu" || vms[0].Status != "running" {
		t.Errorf("unexpected first row: %+v", vms[0])
	}
	if vms[1].Node != "pve2" || vms[1].Type != "lxc" {
		t.Errorf("unexpected second row: %+v", vms[1])
	}
	if vms[2].Template != 1 {
		t.Errorf("template flag not decoded: %+v", vms[2])
	}
}

func TestGetQemuAgentInterfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/json/nodes/pve1/qemu/101/agent/network-get-interfaces" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"result":[
			{"name":"lo","hardware-address":"00:00:00:00:00:00","ip-addresses":[{"ip-address-type":"ipv4","ip-address":"127.0.0.1","prefix":8}]},
			{"name":"eth0","hardware-address":"aa:bb:cc:dd:ee:ff","ip-addresses":[{"ip-address-type":"ipv4","ip-address":"10.0.0.7","prefix":24}]}
		]}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Host: server.URL, TokenName: "u@pam!t", TokenValue: "v"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ifaces, err := client.GetQemuAgentInterfaces(context.Background(), "pve1", 101)
	if err != nil {
		t.Fatalf("GetQemuAgentInterfaces failed: %v", err)
	}
	if len(ifaces) != 2 {
		t.Fatalf("got %d interfaces, want 2", len(ifaces))
	}
	if ifaces[1].HardwareAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("mac = %q", ifaces[1].HardwareAddress)
	}
	if ifaces[1].IPAddresses[0].Address != "10.0.0.7" {
		t.Errorf("ip = %q", ifaces[1].IPAddresses[0].Address)
	}
}

func TestGetNodesAndNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/nodes":
			w.Write([]byte(`{"data":[{"node":"pve1","status":"online","cpu":0.12,"maxcpu":16,"mem":1024,"maxmem":4096,"uptime":3600}]}`))
		case "/api2/json/nodes/pve1/network":
			w.Write([]byte(`{"data":[{"iface":"vmbr0","type":"bridge","address":"10.0.0.2","cidr":"10.0.0.2/24","active":1}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Host: server.URL, TokenName: "u@pam!t", TokenValue: "v"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	nodes, err := client.GetNodes(context.Background())
	if err != nil {
		t.Fatalf("GetNodes failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Node != "pve1" || nodes[0].Uptime != 3600 {
		t.Errorf("unexpected nodes: %+v", nodes)
	}

	network, err := client.GetNodeNetwork(context.Background(), "pve1")
	if err != nil {
		t.Fatalf("GetNodeNetwork failed: %v", err)
	}
	if len(network) != 1 || network[0].Address != "10.0.0.2" {
		t.Errorf("unexpected network: %+v", network)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Host: server.URL, TokenName: "u@pam!t", TokenValue: "v"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.GetNodes(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "API error 500") {
		t.Errorf("unexpected error: %v", err)
	}
}
