package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/pkg/pve"
)

const proxmoxDefaultPort = "8006"

// ProxmoxProber polls a PVE host over its REST API. Clients are cached per
// device so ticket sessions survive between cycles; a credential edit
// changes the cache key and forces a fresh login. The identified node name
// is cached alongside because it cannot change without a credential edit.
type ProxmoxProber struct {
	mu       sync.Mutex
	sessions map[string]*pveSession
}

type pveSession struct {
	key      string
	client   *pve.Client
	nodeName string
}

func NewProxmoxProber() *ProxmoxProber {
	return &ProxmoxProber{sessions: make(map[string]*pveSession)}
}

// Forget drops the cached session for a deleted device.
func (p *ProxmoxProber) Forget(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, deviceID)
}

func (p *ProxmoxProber) Probe(ctx context.Context, device *models.Device, creds models.Credentials) (*Sample, error) {
	sess, err := p.session(device, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	version, err := sess.client.GetVersion(ctx)
	if err != nil {
		p.drop(device.ID)
		return nil, errors.Classify("proxmox_version", device.Name, err)
	}
	rtt := time.Since(start)

	nodes, err := sess.client.GetNodes(ctx)
	if err != nil {
		return nil, errors.Classify("proxmox_nodes", device.Name, err)
	}

	if sess.nodeName == "" {
		name, err := p.identifyNode(ctx, sess.client, device, creds, nodes)
		if err != nil {
			return nil, err
		}
		sess.nodeName = name
		log.Info().Str("device", device.Name).Str("node", name).Msg("Identified Proxmox node for credential host")
	}

	data := &models.DeviceData{Identity: sess.nodeName, Model: "Proxmox VE", Version: version.Version}
	for _, n := range nodes {
		if n.Node != sess.nodeName {
			continue
		}
		data.CPUPercent = clampPercent(n.CPU * 100)
		data.MemoryPercent = usagePercent(n.Mem, n.MaxMem)
		data.DiskPercent = usagePercent(n.Disk, n.MaxDisk)
		data.UptimeSeconds = n.Uptime
		break
	}

	// Node status carries the richer snapshot (rootfs, exact version);
	// the node row above already filled workable values if this fails.
	if st, err := sess.client.GetNodeStatus(ctx, sess.nodeName); err == nil {
		if st.PVEVersion != "" {
			data.Version = st.PVEVersion
		}
		data.MemoryPercent = usagePercent(st.Memory.Used, st.Memory.Total)
		data.DiskPercent = usagePercent(st.RootFS.Used, st.RootFS.Total)
		if st.Uptime > 0 {
			data.UptimeSeconds = st.Uptime
		}
	}

	vms, err := p.collectVMs(ctx, sess.client, device, sess.nodeName)
	if err != nil {
		return nil, err
	}

	return &Sample{Success: true, RTT: rtt, Data: data, VMs: vms, At: time.Now()}, nil
}

// session returns the cached client for the device, building a new one
// when the credentials changed since the last probe.
func (p *ProxmoxProber) session(device *models.Device, creds models.Credentials) (*pveSession, error) {
	port := creds.Get("port", proxmoxDefaultPort)
	key := strings.Join([]string{
		device.Address, port,
		creds.Get("apiTokenId", ""), creds.Get("apiTokenSecret", ""),
		creds.Get("username", ""), creds.Get("password", ""),
		creds.Get("realm", ""), creds.Get("verifySsl", ""),
	}, "\x00")

	p.mu.Lock()
	defer p.mu.Unlock()

	if sess, ok := p.sessions[device.ID]; ok && sess.key == key {
		return sess, nil
	}

	client, err := pve.NewClient(pve.ClientConfig{
		Host:       net.JoinHostPort(device.Address, port),
		User:       creds.Get("username", ""),
		Password:   creds.Get("password", ""),
		Realm:      creds.Get("realm", ""),
		TokenName:  creds.Get("apiTokenId", ""),
		TokenValue: creds.Get("apiTokenSecret", ""),
		VerifySSL:  creds.GetBool("verifySsl", false),
	})
	if err != nil {
		return nil, errors.Classify("proxmox_auth", device.Name, err)
	}

	sess := &pveSession{key: key, client: client}
	p.sessions[device.ID] = sess
	return sess, nil
}

func (p *ProxmoxProber) drop(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, deviceID)
}

// identifyNode resolves which cluster node the credential host is. The
// overrideNodeName credential wins outright, for hosts reached through
// NAT where no interface carries the public address. Otherwise the
// credential IP is matched against each node's interface addresses, then
// against the cluster-status IPs; a single-node installation needs no
// match at all.
func (p *ProxmoxProber) identifyNode(ctx context.Context, client *pve.Client, device *models.Device, creds models.Credentials, nodes []pve.Node) (string, error) {
	if override := creds.Get("overrideNodeName", ""); override != "" {
		return override, nil
	}
	if len(nodes) == 1 {
		return nodes[0].Node, nil
	}

	for _, n := range nodes {
		ifaces, err := client.GetNodeNetwork(ctx, n.Node)
		if err != nil {
			log.Debug().Err(err).Str("node", n.Node).Msg("Node network query failed during identification")
			continue
		}
		for _, iface := range ifaces {
			if iface.Address == device.Address || strings.HasPrefix(iface.CIDR, device.Address+"/") {
				return n.Node, nil
			}
		}
	}

	status, err := client.GetClusterStatus(ctx)
	if err != nil {
		return "", errors.Classify("proxmox_cluster_status", device.Name, err)
	}
	for _, entry := range status {
		if entry.Type == "node" && entry.IP == device.Address {
			return entry.Name, nil
		}
	}

	return "", errors.NewProtocolError("proxmox_identify", device.Name,
		fmt.Errorf("no cluster node claims address %s; set overrideNodeName", device.Address))
}

// collectVMs lists guests on the identified node. Address harvesting is
// best-effort: a guest without the QEMU agent simply reports no IPs.
func (p *ProxmoxProber) collectVMs(ctx context.Context, client *pve.Client, device *models.Device, nodeName string) ([]models.ProxmoxVM, error) {
	resources, err := client.GetVMResources(ctx)
	if err != nil {
		return nil, errors.Classify("proxmox_resources", device.Name, err)
	}

	var vms []models.ProxmoxVM
	for _, r := range resources {
		if r.Node != nodeName || r.Template != 0 {
			continue
		}
		vm := models.ProxmoxVM{
			HostDeviceID:  device.ID,
			VMID:          r.VMID,
			Name:          r.Name,
			Type:          r.Type,
			Status:        vmStatus(r.Status),
			CPUPercent:    clampPercent(r.CPU * 100),
			MemoryPercent: usagePercent(r.Mem, r.MaxMem),
			DiskPercent:   usagePercent(r.Disk, r.MaxDisk),
		}
		if vm.Status == models.VMRunning {
			p.fillGuestAddresses(ctx, client, nodeName, &vm)
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

func (p *ProxmoxProber) fillGuestAddresses(ctx context.Context, client *pve.Client, nodeName string, vm *models.ProxmoxVM) {
	switch vm.Type {
	case "qemu":
		ifaces, err := client.GetQemuAgentInterfaces(ctx, nodeName, vm.VMID)
		if err != nil {
			log.Debug().Err(err).Int("vmid", vm.VMID).Msg("QEMU guest agent not reachable")
			return
		}
		for _, iface := range ifaces {
			if iface.Name == "lo" {
				continue
			}
			if mac := normalizeMAC(iface.HardwareAddress); mac != "" {
				vm.MACs = append(vm.MACs, mac)
			}
			for _, addr := range iface.IPAddresses {
				if isLoopback(addr.Address) {
					continue
				}
				vm.IPs = append(vm.IPs, addr.Address)
			}
		}
	case "lxc":
		ifaces, err := client.GetLXCInterfaces(ctx, nodeName, vm.VMID)
		if err != nil {
			log.Debug().Err(err).Int("vmid", vm.VMID).Msg("LXC interface query failed")
			return
		}
		for _, iface := range ifaces {
			if iface.Name == "lo" {
				continue
			}
			if mac := normalizeMAC(iface.HWAddr); mac != "" {
				vm.MACs = append(vm.MACs, mac)
			}
			for _, raw := range []string{iface.Inet, iface.Inet6} {
				addr := strings.SplitN(raw, "/", 2)[0]
				if addr == "" || isLoopback(addr) {
					continue
				}
				vm.IPs = append(vm.IPs, addr)
			}
		}
	}
}

func vmStatus(s string) models.ProxmoxVMStatus {
	switch s {
	case "running":
		return models.VMRunning
	case "stopped":
		return models.VMStopped
	case "paused":
		return models.VMPaused
	default:
		return models.VMUnknown
	}
}

func usagePercent(used, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return clampPercent(float64(used) * 100 / float64(max))
}

func normalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if mac == "" || mac == "00:00:00:00:00:00" {
		return ""
	}
	return mac
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
