package probe

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

// SNMPv2-MIB system group.
const (
	oidSysDescr  = "1.3.6.1.2.1.1.1.0"
	oidSysUpTime = "1.3.6.1.2.1.1.3.0"
	oidSysName   = "1.3.6.1.2.1.1.5.0"
)

// HOST-RESOURCES-MIB processor load and storage table.
const (
	oidHrProcessorLoad = "1.3.6.1.2.1.25.3.3.1.2"
	oidHrStorageEntry  = "1.3.6.1.2.1.25.2.3.1"

	oidHrStorageTypeRAM  = "1.3.6.1.2.1.25.2.1.2"
	oidHrStorageTypeDisk = "1.3.6.1.2.1.25.2.1.4"
)

// IF-MIB ifTable plus the 64-bit ifXTable octet columns.
const (
	oidIfEntry      = "1.3.6.1.2.1.2.2.1"
	oidIfDescr      = "1.3.6.1.2.1.2.2.1.2"
	oidIfType       = "1.3.6.1.2.1.2.2.1.3"
	oidIfSpeed      = "1.3.6.1.2.1.2.2.1.5"
	oidIfPhysAddr   = "1.3.6.1.2.1.2.2.1.6"
	oidIfOperStatus = "1.3.6.1.2.1.2.2.1.8"
	oidIfInOctets   = "1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets  = "1.3.6.1.2.1.2.2.1.16"
	oidIfHCIn       = "1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOut      = "1.3.6.1.2.1.31.1.1.1.10"
)

const ifTypeLoopback = 24

// SNMPProber polls generic agents over SNMP v1/v2c/v3. It carries no
// per-device state; counter baselines live in the rate differencer.
type SNMPProber struct{}

func NewSNMPProber() *SNMPProber {
	return &SNMPProber{}
}

func (p *SNMPProber) Probe(ctx context.Context, device *models.Device, creds models.Credentials) (*Sample, error) {
	g := newGoSNMP(ctx, device.Address, creds)
	if err := g.Connect(); err != nil {
		return nil, errors.Classify("snmp_connect", device.Name, err)
	}
	defer func() { _ = g.Conn.Close() }()

	start := time.Now()
	pkt, err := g.Get([]string{oidSysDescr, oidSysUpTime, oidSysName})
	if err != nil {
		return nil, errors.Classify("snmp_system", device.Name, err)
	}
	rtt := time.Since(start)

	data := &models.DeviceData{}
	for _, pdu := range pkt.Variables {
		if pdu.Type == gosnmp.NoSuchObject || pdu.Type == gosnmp.NoSuchInstance {
			continue
		}
		switch pdu.Name {
		case "." + oidSysDescr:
			data.Model = firstLine(pduString(pdu))
		case "." + oidSysUpTime:
			data.UptimeSeconds = int64(pduTimeTicks(pdu) / time.Second)
		case "." + oidSysName:
			data.Identity = pduString(pdu)
		}
	}

	// BulkWalk needs GetBulk, which v1 agents don't speak.
	walk := g.BulkWalkAll
	if g.Version == gosnmp.Version1 {
		walk = g.WalkAll
	}

	// Host-resources data is optional; plenty of embedded agents stop at
	// the system and interface groups.
	if loads, err := walk(oidHrProcessorLoad); err == nil && len(loads) > 0 {
		sum := 0
		for _, pdu := range loads {
			sum += pduInt(pdu)
		}
		data.CPUPercent = float64(sum) / float64(len(loads))
	}
	fillStorage(walk, data)

	ports, counters, err := collectIfTable(walk)
	if err != nil {
		log.Debug().Err(err).Str("device", device.Name).Msg("IF-MIB walk failed")
	} else {
		data.Ports = ports
	}

	return &Sample{Success: true, RTT: rtt, Data: data, Counters: counters, At: time.Now()}, nil
}

// newGoSNMP builds a client from the credential bag. Recognized keys:
// snmpVersion (1|2c|3), snmpCommunity, snmpUsername, snmpAuthProtocol,
// snmpAuthKey, snmpPrivProtocol, snmpPrivKey, timeoutMs, retries.
func newGoSNMP(ctx context.Context, target string, creds models.Credentials) *gosnmp.GoSNMP {
	g := &gosnmp.GoSNMP{
		Target:  target,
		Port:    161,
		Timeout: time.Duration(creds.GetInt("timeoutMs", 2000)) * time.Millisecond,
		Retries: creds.GetInt("retries", 1),
		Context: ctx,
	}

	switch creds.Get("snmpVersion", "2c") {
	case "1":
		g.Version = gosnmp.Version1
		g.Community = creds.Get("snmpCommunity", "public")
	case "3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel

		authKey := creds.Get("snmpAuthKey", "")
		privKey := creds.Get("snmpPrivKey", "")
		switch {
		case authKey != "" && privKey != "":
			g.MsgFlags = gosnmp.AuthPriv
		case authKey != "":
			g.MsgFlags = gosnmp.AuthNoPriv
		default:
			g.MsgFlags = gosnmp.NoAuthNoPriv
		}
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 creds.Get("snmpUsername", ""),
			AuthenticationProtocol:   authProtocol(creds.Get("snmpAuthProtocol", "SHA")),
			AuthenticationPassphrase: authKey,
			PrivacyProtocol:          privProtocol(creds.Get("snmpPrivProtocol", "AES")),
			PrivacyPassphrase:        privKey,
		}
	default:
		g.Version = gosnmp.Version2c
		g.Community = creds.Get("snmpCommunity", "public")
	}
	return g
}

func authProtocol(s string) gosnmp.SnmpV3AuthProtocol {
	if strings.EqualFold(s, "MD5") {
		return gosnmp.MD5
	}
	return gosnmp.SHA
}

func privProtocol(s string) gosnmp.SnmpV3PrivProtocol {
	if strings.EqualFold(s, "DES") {
		return gosnmp.DES
	}
	return gosnmp.AES
}

type hrStorageRow struct {
	typeOID string
	units   uint64
	size    uint64
	used    uint64
}

// fillStorage derives memory and disk usage from the hrStorage table. The
// RAM row feeds memory; the largest fixed-disk mount stands in for the
// primary filesystem.
func fillStorage(walk func(string) ([]gosnmp.SnmpPDU, error), data *models.DeviceData) {
	pdus, err := walk(oidHrStorageEntry)
	if err != nil || len(pdus) == 0 {
		return
	}

	rows := make(map[int]*hrStorageRow)
	for _, pdu := range pdus {
		idx := oidIndex(pdu.Name)
		if idx < 0 {
			continue
		}
		row, ok := rows[idx]
		if !ok {
			row = &hrStorageRow{}
			rows[idx] = row
		}
		switch oidColumn(pdu.Name) {
		case "." + oidHrStorageEntry + ".2":
			row.typeOID = strings.TrimPrefix(pduString(pdu), ".")
		case "." + oidHrStorageEntry + ".4":
			row.units = pduUint64(pdu)
		case "." + oidHrStorageEntry + ".5":
			row.size = pduUint64(pdu)
		case "." + oidHrStorageEntry + ".6":
			row.used = pduUint64(pdu)
		}
	}

	var disk *hrStorageRow
	for _, row := range rows {
		if row.size == 0 {
			continue
		}
		switch row.typeOID {
		case oidHrStorageTypeRAM:
			data.MemoryPercent = float64(row.used) * 100 / float64(row.size)
		case oidHrStorageTypeDisk:
			if disk == nil || row.size*row.units > disk.size*disk.units {
				disk = row
			}
		}
	}
	if disk != nil {
		data.DiskPercent = float64(disk.used) * 100 / float64(disk.size)
	}
}

type snmpIfRow struct {
	descr  string
	ifType int
	speed  uint64
	mac    string
	oper   int
	in32   uint64
	out32  uint64
	in64   uint64
	out64  uint64
	has64  bool
}

// collectIfTable walks IF-MIB for the port list and per-interface octet
// counters, preferring the 64-bit ifXTable columns when the agent has them.
func collectIfTable(walk func(string) ([]gosnmp.SnmpPDU, error)) ([]models.Port, []InterfaceCounters, error) {
	pdus, err := walk(oidIfEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("walk ifTable: %w", err)
	}

	rows := make(map[int]*snmpIfRow)
	for _, pdu := range pdus {
		idx := oidIndex(pdu.Name)
		if idx < 0 {
			continue
		}
		row, ok := rows[idx]
		if !ok {
			row = &snmpIfRow{}
			rows[idx] = row
		}
		switch oidColumn(pdu.Name) {
		case "." + oidIfDescr:
			row.descr = pduString(pdu)
		case "." + oidIfType:
			row.ifType = pduInt(pdu)
		case "." + oidIfSpeed:
			row.speed = pduUint64(pdu)
		case "." + oidIfPhysAddr:
			if b, ok := pdu.Value.([]byte); ok {
				row.mac = formatPhysAddr(b)
			}
		case "." + oidIfOperStatus:
			row.oper = pduInt(pdu)
		case "." + oidIfInOctets:
			row.in32 = pduUint64(pdu)
		case "." + oidIfOutOctets:
			row.out32 = pduUint64(pdu)
		}
	}

	mergeHCColumn(walk, oidIfHCIn, rows, func(row *snmpIfRow, v uint64) { row.in64 = v })
	mergeHCColumn(walk, oidIfHCOut, rows, func(row *snmpIfRow, v uint64) { row.out64 = v })

	indexes := make([]int, 0, len(rows))
	for idx := range rows {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var ports []models.Port
	var counters []InterfaceCounters
	for _, idx := range indexes {
		row := rows[idx]
		if row.ifType == ifTypeLoopback {
			continue
		}
		status := "down"
		if row.oper == 1 {
			status = "up"
		}
		ports = append(ports, models.Port{
			Name:      row.descr,
			Status:    status,
			Speed:     formatLinkSpeed(row.speed),
			MAC:       row.mac,
			SNMPIndex: idx,
		})

		c := InterfaceCounters{Name: row.descr, SNMPIndex: idx}
		if row.has64 {
			c.InOctets, c.OutOctets, c.Bits = row.in64, row.out64, 64
		} else {
			c.InOctets, c.OutOctets, c.Bits = row.in32, row.out32, 32
		}
		counters = append(counters, c)
	}
	return ports, counters, nil
}

// mergeHCColumn overlays one ifXTable counter column onto the collected
// rows. Agents without ifXTable fail the walk; the 32-bit values stand.
func mergeHCColumn(walk func(string) ([]gosnmp.SnmpPDU, error), oid string, rows map[int]*snmpIfRow, set func(*snmpIfRow, uint64)) {
	pdus, err := walk(oid)
	if err != nil {
		return
	}
	for _, pdu := range pdus {
		if pdu.Type == gosnmp.NoSuchObject || pdu.Type == gosnmp.NoSuchInstance {
			continue
		}
		if row, ok := rows[oidIndex(pdu.Name)]; ok {
			set(row, pduUint64(pdu))
			row.has64 = true
		}
	}
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
}

func pduInt(pdu gosnmp.SnmpPDU) int {
	switch v := pdu.Value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	default:
		return 0
	}
}

func pduUint64(pdu gosnmp.SnmpPDU) uint64 {
	switch v := pdu.Value.(type) {
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case uint:
		return uint64(v)
	case int:
		if v >= 0 {
			return uint64(v)
		}
		return 0
	case int64:
		if v >= 0 {
			return uint64(v)
		}
		return 0
	default:
		return 0
	}
}

// pduTimeTicks converts a TimeTicks value (hundredths of a second) to a
// duration.
func pduTimeTicks(pdu gosnmp.SnmpPDU) time.Duration {
	switch v := pdu.Value.(type) {
	case uint32:
		return time.Duration(v) * 10 * time.Millisecond
	case uint:
		return time.Duration(int64(v)) * 10 * time.Millisecond
	case int:
		return time.Duration(v) * 10 * time.Millisecond
	default:
		return 0
	}
}

// oidIndex extracts the row index from a walked OID, the final numeric
// segment.
func oidIndex(oid string) int {
	dot := strings.LastIndex(oid, ".")
	if dot < 0 || dot == len(oid)-1 {
		return -1
	}
	idx, err := strconv.Atoi(oid[dot+1:])
	if err != nil {
		return -1
	}
	return idx
}

// oidColumn returns the OID with the row index stripped.
func oidColumn(oid string) string {
	dot := strings.LastIndex(oid, ".")
	if dot < 0 {
		return oid
	}
	return oid[:dot]
}

func formatPhysAddr(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, ":")
}

// formatLinkSpeed renders an ifSpeed value (bits per second) the way the
// RouterOS monitor reports rates, so both probers fill Port.Speed alike.
func formatLinkSpeed(bps uint64) string {
	switch {
	case bps == 0:
		return ""
	case bps >= 1_000_000_000:
		return fmt.Sprintf("%dGbps", bps/1_000_000_000)
	case bps >= 1_000_000:
		return fmt.Sprintf("%dMbps", bps/1_000_000)
	default:
		return fmt.Sprintf("%dKbps", bps/1_000)
	}
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
