package fleet

//
// Packet dissector (the subset routing and stats need)
//

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// dissectedPacket is a dissected IPv4 packet. The zero value is
// invalid; you MUST use [dissectPacket] to create a new instance.
type dissectedPacket struct {
	// packet is the underlying packet.
	packet gopacket.Packet

	// ip is the IPv4 layer.
	ip *layers.IPv4

	// tcp is the POSSIBLY NIL TCP layer.
	tcp *layers.TCP

	// udp is the POSSIBLY NIL UDP layer.
	udp *layers.UDP
}

// errDissectShortPacket indicates the packet is too short.
var errDissectShortPacket = errors.New("fleet: dissect: packet too short")

// errDissectNetwork indicates that we do not support the packet's network protocol.
var errDissectNetwork = errors.New("fleet: dissect: unsupported network protocol")

// errDissectTransport indicates that we do not support the packet's transport protocol.
var errDissectTransport = errors.New("fleet: dissect: unsupported transport protocol")

// dissectPacket parses the TCP/IP layers of a raw IPv4 packet.
func dissectPacket(rawPacket []byte) (*dissectedPacket, error) {
	// [NodeStack] emits raw IP packets and we need to sniff
	// the actual version from the first octet
	if len(rawPacket) < 1 {
		return nil, errDissectShortPacket
	}
	if rawPacket[0]>>4 != 4 {
		return nil, errDissectNetwork
	}

	dp := &dissectedPacket{}
	dp.packet = gopacket.NewPacket(rawPacket, layers.LayerTypeIPv4, gopacket.Lazy)
	ipLayer := dp.packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, errDissectNetwork
	}
	dp.ip = ipLayer.(*layers.IPv4)

	switch dp.ip.Protocol {
	case layers.IPProtocolTCP:
		dp.tcp = dp.packet.Layer(layers.LayerTypeTCP).(*layers.TCP)

	case layers.IPProtocolUDP:
		dp.udp = dp.packet.Layer(layers.LayerTypeUDP).(*layers.UDP)

	default:
		return nil, errDissectTransport
	}

	return dp, nil
}

// timeToLive returns the packet's time to live.
func (dp *dissectedPacket) timeToLive() int64 {
	return int64(dp.ip.TTL)
}

// decrementTimeToLive decrements the packet's time to live.
func (dp *dissectedPacket) decrementTimeToLive() {
	if dp.ip.TTL > 0 {
		dp.ip.TTL--
	}
}

// destinationIPAddress returns the packet's destination IP address.
func (dp *dissectedPacket) destinationIPAddress() string {
	return dp.ip.DstIP.String()
}

// serialize serializes a previously dissected and modified packet.
func (dp *dissectedPacket) serialize() ([]byte, error) {
	switch {
	case dp.tcp != nil:
		dp.tcp.SetNetworkLayerForChecksum(dp.ip)
	case dp.udp != nil:
		dp.udp.SetNetworkLayerForChecksum(dp.ip)
	default:
		return nil, errDissectTransport
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializePacket(buf, opts, dp.packet); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
