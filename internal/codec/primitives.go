package codec

import (
	"encoding/binary"
	"math"
	"net"

	"github.com/postalsys/gridwire/internal/identity"
)

// Primitive field helpers for the template-driven serializer. All
// multi-byte fields are little-endian except the packet sequence (handled
// in header.go) and network-order IP/port fields.

func putU8(dst []byte, v uint8) int  { dst[0] = v; return 1 }
func putU16(dst []byte, v uint16) int { binary.LittleEndian.PutUint16(dst, v); return 2 }
func putU32(dst []byte, v uint32) int { binary.LittleEndian.PutUint32(dst, v); return 4 }
func putU64(dst []byte, v uint64) int { binary.LittleEndian.PutUint64(dst, v); return 8 }
func putF32(dst []byte, v float32) int {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	return 4
}
func putF64(dst []byte, v float64) int {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	return 8
}
func putUUID(dst []byte, id identity.UUID) int {
	id.PutBytes(dst)
	return identity.Size
}

// putIPAddr writes a network-order (big-endian) IPv4 address.
func putIPAddr(dst []byte, ip net.IP) int {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	copy(dst, v4)
	return 4
}

// putIPPort writes a network-order (big-endian) port.
func putIPPort(dst []byte, port uint16) int {
	binary.BigEndian.PutUint16(dst, port)
	return 2
}

func getU8(src []byte) (uint8, int)   { return src[0], 1 }
func getU16(src []byte) (uint16, int) { return binary.LittleEndian.Uint16(src), 2 }
func getU32(src []byte) (uint32, int) { return binary.LittleEndian.Uint32(src), 4 }
func getU64(src []byte) (uint64, int) { return binary.LittleEndian.Uint64(src), 8 }
func getF32(src []byte) (float32, int) {
	return math.Float32frombits(binary.LittleEndian.Uint32(src)), 4
}
func getF64(src []byte) (float64, int) {
	return math.Float64frombits(binary.LittleEndian.Uint64(src)), 8
}
func getUUID(src []byte) (identity.UUID, int, error) {
	id, err := identity.FromBytes(src[:identity.Size])
	return id, identity.Size, err
}
func getIPAddr(src []byte) (net.IP, int) {
	ip := make(net.IP, 4)
	copy(ip, src[:4])
	return ip, 4
}
func getIPPort(src []byte) (uint16, int) {
	return binary.BigEndian.Uint16(src[:2]), 2
}

// Vec3 is a three-component single-precision vector, used for positions,
// velocities, and (with w reconstructed) rotations.
type Vec3 struct {
	X, Y, Z float32
}

func putVec3(dst []byte, v Vec3) int {
	putF32(dst[0:4], v.X)
	putF32(dst[4:8], v.Y)
	putF32(dst[8:12], v.Z)
	return 12
}

func getVec3(src []byte) (Vec3, int) {
	x, _ := getF32(src[0:4])
	y, _ := getF32(src[4:8])
	z, _ := getF32(src[8:12])
	return Vec3{X: x, Y: y, Z: z}, 12
}

// Quat is a unit quaternion. On the wire only (X, Y, Z) travel; W is
// reconstructed on decode and recomputed (and implicitly validated) on
// encode by callers that already hold a full quaternion.
type Quat struct {
	X, Y, Z, W float32
}

// putQuatXYZ writes only the (x, y, z) components, as the wire format
// requires.
func putQuatXYZ(dst []byte, q Quat) int {
	putF32(dst[0:4], q.X)
	putF32(dst[4:8], q.Y)
	putF32(dst[8:12], q.Z)
	return 12
}

// getQuatXYZ reads (x, y, z) and reconstructs w = sqrt(max(0, 1-x^2-y^2-z^2)),
// the invariant the engine's test suite verifies within 1e-6.
func getQuatXYZ(src []byte) (Quat, int) {
	x, _ := getF32(src[0:4])
	y, _ := getF32(src[4:8])
	z, _ := getF32(src[8:12])
	wSq := 1 - float64(x)*float64(x) - float64(y)*float64(y) - float64(z)*float64(z)
	if wSq < 0 {
		wSq = 0
	}
	w := float32(math.Sqrt(wSq))
	return Quat{X: x, Y: y, Z: z, W: w}, 12
}

// IdentityQuat is the identity rotation (no rotation), used by the
// region-handshake priming sequence.
var IdentityQuat = Quat{X: 0, Y: 0, Z: 0, W: 1}
