// Package scotypes holds the compact value types shared by the object
// router, the cluster-node abstraction, and the SCO cache: SCO names,
// cluster locations, volume identities, and namespace identifiers.
package scotypes

import (
	"fmt"
	"strconv"
)

// VolumeID is an opaque, cluster-wide unique volume identifier.
type VolumeID string

// NSpace is a storage-bucket identifier. One volume maps to exactly one
// namespace, both on the blob backend and inside every SCO cache
// mountpoint.
type NSpace string

// SCOCloneID identifies which clone in a volume's ancestry a SCO
// belongs to.
type SCOCloneID uint8

// SCOVersion is the on-disk format version of a SCO name.
type SCOVersion uint8

// SCOName is the 64-bit packed identifier of a storage container
// object: {version, clone-id, number, unused}. The zero value is not a
// valid SCO name.
type SCOName struct {
	Version SCOVersion
	CloneID SCOCloneID
	Number  uint32
}

// String renders the SCO name as fixed-width hex, matching the
// original implementation's stringification so that tooling and logs
// stay grep-able across a migration.
func (n SCOName) String() string {
	return fmt.Sprintf("%02x_%02x_%08x", uint8(n.Version), uint8(n.CloneID), n.Number)
}

// ParseSCOName parses the fixed-width hex form produced by String.
// Parse and format are a bijection over the set of well-formed strings.
func ParseSCOName(s string) (SCOName, error) {
	var version, clone uint64
	var number uint64
	if len(s) != 14 || s[2] != '_' || s[5] != '_' {
		return SCOName{}, fmt.Errorf("scotypes: malformed SCO name %q", s)
	}
	var err error
	version, err = strconv.ParseUint(s[0:2], 16, 8)
	if err != nil {
		return SCOName{}, fmt.Errorf("scotypes: malformed SCO name %q: %w", s, err)
	}
	clone, err = strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return SCOName{}, fmt.Errorf("scotypes: malformed SCO name %q: %w", s, err)
	}
	number, err = strconv.ParseUint(s[6:14], 16, 32)
	if err != nil {
		return SCOName{}, fmt.Errorf("scotypes: malformed SCO name %q: %w", s, err)
	}
	return SCOName{
		Version: SCOVersion(version),
		CloneID: SCOCloneID(clone),
		Number:  uint32(number),
	}, nil
}

// IsZero reports whether n is the zero value (never a valid SCO name).
func (n SCOName) IsZero() bool {
	return n == SCOName{}
}

// ClusterLocation identifies one fixed-size logical cluster: a SCO name,
// an offset within that SCO (in cluster-size units), and the clone the
// write belongs to. Two consecutive writes either share a SCO name with
// adjacent offsets, or the second begins a fresh SCO name at offset 0.
type ClusterLocation struct {
	SCO     SCOName
	Offset  uint32
	CloneID SCOCloneID
}

// ObjectType distinguishes the two kinds of objects the cluster-node
// abstraction and local-node operations dispatch on.
type ObjectType int

const (
	ObjectTypeVolume ObjectType = iota
	ObjectTypeFile
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeVolume:
		return "volume"
	case ObjectTypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// ObjectID names either a volume or a container file, tagged by type so
// that local-node dispatch doesn't need a type switch on the caller's
// behalf.
type ObjectID struct {
	Type ObjectType
	ID   string
}

func (o ObjectID) String() string {
	return fmt.Sprintf("%s:%s", o.Type, o.ID)
}

// NodeID identifies one cluster node. Node IDs are compared for
// equality only; they carry no ordering beyond the canonical order
// used to pick automatic DTL peers (see CanonicalOrder).
type NodeID string

// NodeState is the registry's view of a node's liveness.
type NodeState int

const (
	NodeOnline NodeState = iota
	NodeOffline
)

func (s NodeState) String() string {
	if s == NodeOnline {
		return "online"
	}
	return "offline"
}

// OwnerTag is a monotone fencing token bumped on every successful
// ownership migration of a volume. The local volume engine uses it to
// reject stale writers after a migration races a retry.
type OwnerTag uint64

// TreeConfig captures a volume's clone ancestry as the registry models
// it: a base volume plus descendants, or a clone pointing at a parent
// and optional parent snapshot.
type TreeConfig struct {
	IsClone        bool
	ParentVolume   VolumeID
	ParentSnapshot string
	Descendants    []VolumeID
}

// Registration is one entry in the distributed volume-to-owner
// registry.
type Registration struct {
	VolumeID VolumeID
	NSpace   NSpace
	Owner    NodeID
	Tree     TreeConfig
	OwnerTag OwnerTag
}

// FailoverMode selects manual or automatic DTL peer selection for a
// volume.
type FailoverMode int

const (
	FailoverModeAutomatic FailoverMode = iota
	FailoverModeManual
)

// DTLSyncMode is the replication mode of a volume's failover cache.
type DTLSyncMode int

const (
	DTLSync DTLSyncMode = iota
	DTLAsync
)

// DTLConfig is the failover-cache (DTL) configuration for one volume.
// A zero-value Host means no DTL is configured.
type DTLConfig struct {
	Host string
	Port int
	Mode DTLSyncMode
}

// Configured reports whether a DTL peer has actually been set.
func (c DTLConfig) Configured() bool {
	return c.Host != ""
}
