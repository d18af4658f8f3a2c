package pve

// VersionInfo is the response of /version.
type VersionInfo struct {
	Version string `json:"version"`
	Release string `json:"release,omitempty"`
	RepoID  string `json:"repoid,omitempty"`
}

// ClusterStatusEntry is one row of /cluster/status. Entries with type
// "node" carry the node's cluster IP; a single "cluster" row names the
// cluster itself.
type ClusterStatusEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"` // cluster | node
	IP     string `json:"ip,omitempty"`
	Online int    `json:"online,omitempty"`
	Local  int    `json:"local,omitempty"`
	NodeID int    `json:"nodeid,omitempty"`
}

// Node is one row of /nodes.
type Node struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"` // online | offline | unknown
	CPU     float64 `json:"cpu"`    // fraction of MaxCPU
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
	Uptime  int64   `json:"uptime"`
	Level   string  `json:"level,omitempty"`
}

// NodeStatus is the response of /nodes/{node}/status.
type NodeStatus struct {
	Uptime     int64      `json:"uptime"`
	PVEVersion string     `json:"pveversion"`
	Kversion   string     `json:"kversion,omitempty"`
	CPU        float64    `json:"cpu"`
	CPUInfo    CPUInfo    `json:"cpuinfo"`
	Memory     UsageBytes `json:"memory"`
	RootFS     UsageBytes `json:"rootfs"`
}

type CPUInfo struct {
	Model string `json:"model,omitempty"`
	CPUs  int    `json:"cpus"`
}

type UsageBytes struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// NetworkInterface is one row of /nodes/{node}/network.
type NetworkInterface struct {
	Iface   string `json:"iface"`
	Type    string `json:"type"` // bridge | bond | eth | vlan | ...
	Address string `json:"address,omitempty"`
	Netmask string `json:"netmask,omitempty"`
	CIDR    string `json:"cidr,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	Active  int    `json:"active,omitempty"`
}

// VMResource is one guest row of /cluster/resources?type=vm. Covers both
// QEMU VMs and LXC containers; Template rows are ignored by callers.
type VMResource struct {
	VMID     int     `json:"vmid"`
	Name     string  `json:"name"`
	Node     string  `json:"node"`
	Type     string  `json:"type"`   // qemu | lxc
	Status   string  `json:"status"` // running | stopped | paused
	CPU      float64 `json:"cpu"`
	MaxCPU   int     `json:"maxcpu"`
	Mem      int64   `json:"mem"`
	MaxMem   int64   `json:"maxmem"`
	Disk     int64   `json:"disk"`
	MaxDisk  int64   `json:"maxdisk"`
	Uptime   int64   `json:"uptime"`
	Template int     `json:"template,omitempty"`
}

// AgentInterface is one entry of the QEMU guest agent's
// network-get-interfaces result.
type AgentInterface struct {
	Name            string           `json:"name"`
	HardwareAddress string           `json:"hardware-address"`
	IPAddresses     []AgentIPAddress `json:"ip-addresses"`
}

type AgentIPAddress struct {
	Type    string `json:"ip-address-type"` // ipv4 | ipv6
	Address string `json:"ip-address"`
	Prefix  int    `json:"prefix"`
}

// LXCInterface is one row of /nodes/{node}/lxc/{vmid}/interfaces.
type LXCInterface struct {
	Name   string `json:"name"`
	HWAddr string `json:"hwaddr"`
	Inet   string `json:"inet,omitempty"`  // CIDR form
	Inet6  string `json:"inet6,omitempty"` // CIDR form
}
