package mega

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// This file is the Filesystem materialiser (spec §4.5 / §3, component
// C5): it ingests the opaque `f` response, decrypts per-node keys and
// attributes, and builds the parent/owner-share DAG into a navigable,
// name-bearing tree with unique paths.

// Node types (spec §3). TOP and NETWORK intentionally share the wire
// value 9: both are synthetic and never appear on the wire with a
// conflicting peer, so the collision is harmless — see spec §3's
// Node type enum, which defines them identically.
const (
	NodeFile    = 0
	NodeFolder  = 1
	NodeRoot    = 2
	NodeInbox   = 3
	NodeRubbish = 4
	NodeContact = 8
	NodeNetwork = 9
	NodeTop     = 9
)

const (
	topHandle     = "*TOP*"
	networkHandle = "*NETWORK"
)

// maxPathDepthSlack is added to the node count to cap the
// parent/su_handle walk in computePath, so a corrupt or adversarial
// graph with a cycle cannot hang the materialiser: a walk longer than
// len(nodes)+maxPathDepthSlack hops fails and the node gets no path.
const maxPathDepthSlack = 8

// Node is the materialised, name-bearing view of one server node
// (spec §3). Its fields mirror the teacher's Node but with the
// wider field set the spec requires (ParentHandle and SUHandle can
// both be set, Key/KeyFull are the unwrapped keys, Attrs is the
// decrypted attribute map).
type Node struct {
	Handle       string
	ParentHandle string
	SUHandle     string
	OwnerHandle  string
	Type         int
	Size         int64
	Mtime        int64
	Key          []byte // 16 bytes
	KeyFull      []byte // 32 bytes, files only
	Attrs        map[string]interface{}
	Name         string
	Path         string
}

// Filesystem is the snapshot (spec §3): nodes, share keys, pathMap,
// and child indexing. A Load replaces the whole snapshot — there is no
// incremental update, matching spec §3's node lifecycle ("full
// replacement, not incremental").
type Filesystem struct {
	nodes     map[string]*Node
	shareKeys map[string][16]byte
	pathMap   map[string]*Node
	children  map[string][]*Node

	log zerolog.Logger
}

func newFilesystem(log zerolog.Logger) *Filesystem {
	return &Filesystem{
		nodes:     make(map[string]*Node),
		shareKeys: make(map[string][16]byte),
		pathMap:   make(map[string]*Node),
		children:  make(map[string][]*Node),
		log:       componentLogger(log, "fs"),
	}
}

// Node looks a materialised node up by handle.
func (fs *Filesystem) Node(handle string) (*Node, bool) {
	n, ok := fs.nodes[handle]
	return n, ok
}

// ByPath looks a node up by its computed unique path.
func (fs *Filesystem) ByPath(path string) (*Node, bool) {
	n, ok := fs.pathMap[path]
	return n, ok
}

// Children returns the nodes indexed under handle, either as a parent
// or as a share-origin owner (spec §4.5's child indexing).
func (fs *Filesystem) Children(handle string) []*Node {
	return fs.children[handle]
}

// pathSeparators is the set of characters an imported name may not
// contain, per spec §3: "/" on one platform, the Windows set on the
// other.
func pathSeparators() string {
	if runtime.GOOS == "windows" {
		return "/\\<>:\"|?*"
	}
	return "/"
}

func isUnsafeName(name string) bool {
	if name == "." || name == ".." || name == "" {
		return true
	}
	return strings.ContainsAny(name, pathSeparators())
}

// Load replaces the snapshot with the contents of resp. When
// exportedFolderMK is non-nil (exported-folder mode), the first node
// of resp.F is treated as the tree root regardless of its parent
// field: its parent is cleared and exportedFolderMK is installed as
// that node's share key.
func (fs *Filesystem) Load(resp filesystemResponse, uh string, mk []byte, exportedFolderMK []byte) error {
	nodes := make(map[string]*Node, len(resp.F))
	shareKeys := make(map[string][16]byte, len(resp.Ok))
	pathMap := make(map[string]*Node, len(resp.F))
	children := make(map[string][]*Node, len(resp.F))

	for _, sk := range resp.Ok {
		key, ok, err := authenticateShareKey(sk, mk)
		if err != nil {
			fs.log.Warn().Str("handle", sk.Handle).Err(err).Msg("dropping malformed owner share key")
			continue
		}
		if !ok {
			fs.log.Warn().Str("handle", sk.Handle).Msg("dropping share key that failed ha authentication")
			continue
		}
		shareKeys[sk.Handle] = key
	}

	exportedRoot := exportedFolderMK != nil
	var rootHandle string

	for i, raw := range resp.F {
		if exportedRoot && i == 0 {
			rootHandle = raw.Handle
			var k16 [16]byte
			copy(k16[:], exportedFolderMK)
			shareKeys[raw.Handle] = k16
		}

		node, err := importNode(raw, uh, mk, shareKeys)
		if err != nil {
			fs.log.Debug().Str("handle", raw.Handle).Err(err).Msg("dropping node")
			continue
		}
		if exportedRoot && raw.Handle == rootHandle {
			node.ParentHandle = ""
		}
		nodes[node.Handle] = node
	}

	// Second pass: path computation and child indexing need every
	// node present first, since a node's ancestors may appear later
	// in the response than the node itself.
	for _, node := range nodes {
		if node.ParentHandle != "" {
			children[node.ParentHandle] = append(children[node.ParentHandle], node)
		}
		if node.SUHandle != "" {
			children[node.SUHandle] = append(children[node.SUHandle], node)
		}
	}

	for _, node := range nodes {
		path, err := computePath(node, nodes, len(nodes)+maxPathDepthSlack)
		if err != nil {
			fs.log.Warn().Str("handle", node.Handle).Err(err).Msg("dropping node with unresolvable ancestry")
			continue
		}
		node.Path = uniquePath(pathMap, path, node)
		pathMap[node.Path] = node
	}

	// Contact nodes are synthesised last, one per accepted ("c":1)
	// user relation, with the *NETWORK handle as parent and listed
	// under Children(networkHandle). No node is stored for *NETWORK
	// or *TOP* themselves.
	for _, rel := range resp.U {
		if rel.C != 1 {
			continue
		}
		contact := &Node{
			Handle:       rel.Handle,
			ParentHandle: networkHandle,
			Type:         NodeContact,
			Name:         rel.Email,
			Attrs:        map[string]interface{}{"n": rel.Email},
		}
		nodes[contact.Handle] = contact
		contact.Path = networkHandle + "/" + contact.Handle
		pathMap[contact.Path] = contact
		children[networkHandle] = append(children[networkHandle], contact)
	}

	fs.nodes = nodes
	fs.shareKeys = shareKeys
	fs.pathMap = pathMap
	fs.children = children
	return nil
}

// authenticateShareKey implements spec §4.5's "Share keys from ok":
// require that ha, AES-ECB-decrypted with MK, equals h‖h (the first
// 8 characters of the handle, twice), then return ok.k AES-ECB-
// decrypted with MK (16 bytes) as the share key.
func authenticateShareKey(sk shareKeyEntry, mk []byte) ([16]byte, bool, error) {
	var out [16]byte

	haRaw, err := ub64dec([]byte(sk.HA))
	if err != nil {
		return out, false, err
	}
	if len(haRaw) != 16 {
		return out, false, fmt.Errorf("mega: share key ha has unexpected length %d", len(haRaw))
	}
	want, err := aesECBDecrypt(mk, haRaw)
	if err != nil {
		return out, false, err
	}
	h := sk.Handle
	if len(h) < 8 {
		return out, false, fmt.Errorf("mega: share handle too short")
	}
	expect := h[:8] + h[:8]
	if string(want[:len(expect)]) != expect {
		return out, false, nil
	}

	kRaw, err := ub64dec([]byte(sk.Key))
	if err != nil {
		return out, false, err
	}
	if len(kRaw) != 16 {
		return out, false, fmt.Errorf("mega: share key has unexpected length %d", len(kRaw))
	}
	dec, err := aesECBDecrypt(mk, kRaw)
	if err != nil {
		return out, false, err
	}
	copy(out[:], dec[:16])
	return out, true, nil
}

// importNode implements spec §4.5's per-node import. The returned
// error is non-nil exactly when the node must be dropped (no key,
// attribute magic mismatch, unsafe name).
func importNode(raw rawNode, uh string, mk []byte, shareKeys map[string][16]byte) (*Node, error) {
	node := &Node{
		Handle:       raw.Handle,
		ParentHandle: raw.ParentHandle,
		SUHandle:     raw.SUHandle,
		OwnerHandle:  raw.OwnerHandle,
		Type:         raw.Type,
		Size:         raw.Size,
		Mtime:        raw.Timestamp,
	}
	if node.ParentHandle == "" {
		node.ParentHandle = topHandle
	}

	switch raw.Type {
	case NodeFile, NodeFolder:
		key, err := resolveNodeKey(raw, uh, mk, shareKeys)
		if err != nil {
			return nil, err
		}
		if raw.Type == NodeFile {
			if len(key) != 32 {
				return nil, fmt.Errorf("mega: file node key has unexpected length %d", len(key))
			}
			node.KeyFull = key
			folded, err := fileNodeKeyUnpack(key)
			if err != nil {
				return nil, err
			}
			node.Key = folded
		} else {
			if len(key) != 16 {
				return nil, fmt.Errorf("mega: folder node key has unexpected length %d", len(key))
			}
			node.Key = key
		}

		attrs, err := decNodeAttrs(node.Key, []byte(raw.Attr))
		if err != nil {
			return nil, err
		}
		name, _ := attrs["n"].(string)
		if isUnsafeName(name) {
			return nil, fmt.Errorf("mega: unsafe node name %q", name)
		}
		node.Attrs = attrs
		node.Name = name

	case NodeRoot:
		node.Name = "Root"
	case NodeInbox:
		node.Name = "Inbox"
	case NodeRubbish:
		node.Name = "Rubbish"
	default:
		// Unknown/virtual types pass through unnamed; the caller
		// decides whether to surface them.
	}

	if raw.SKey != "" {
		if err := installSharedKey(node.Handle, raw.SKey, mk, shareKeys); err != nil {
			return nil, err
		}
	}

	return node, nil
}

// resolveNodeKey implements spec §4.5 step 1: the "k" field is a
// concatenation of "<ownerHandle>:<ciphertext>" pairs; pick MK if the
// owner is us, else the matching share key. Per spec §9's open
// question, this uses "first resolvable key wins": the pairs are
// tried left to right and the first one with a usable unwrapping key
// is used.
func resolveNodeKey(raw rawNode, uh string, mk []byte, shareKeys map[string][16]byte) ([]byte, error) {
	pairs := strings.Split(raw.Key, "/")
	for _, group := range pairs {
		parts := strings.SplitN(group, ":", 2)
		if len(parts) != 2 {
			continue
		}
		owner, ciphertextB64 := parts[0], parts[1]

		var unwrapKey []byte
		switch {
		case owner == uh:
			unwrapKey = mk
		default:
			if sk, ok := shareKeys[owner]; ok {
				k := sk
				unwrapKey = k[:]
			}
		}
		if unwrapKey == nil {
			continue
		}

		ciphertext, err := ub64dec([]byte(ciphertextB64))
		if err != nil {
			continue
		}
		plain, err := ecbDecryptBuffer(unwrapKey, ciphertext)
		if err != nil {
			continue
		}
		return plain, nil
	}
	return nil, fmt.Errorf("mega: no usable key for node %s", raw.Handle)
}

// ecbDecryptBuffer applies aesECBDecrypt block by block over a buffer
// that may be 16 or 32 bytes (folder vs. file keys).
func ecbDecryptBuffer(key16, buf []byte) ([]byte, error) {
	if len(buf)%16 != 0 {
		return nil, fmt.Errorf("mega: key buffer not block aligned")
	}
	out := make([]byte, len(buf))
	for off := 0; off < len(buf); off += 16 {
		block, err := aesECBDecrypt(key16, buf[off:off+16])
		if err != nil {
			return nil, err
		}
		copy(out[off:off+16], block)
	}
	return out, nil
}

// installSharedKey handles spec §4.5 step 6: it decodes "sk" first and
// dispatches on the decoded length. A 16-byte sk is AES-ECB-decrypted
// with mk and installed as the share key for this node's handle. A
// longer (RSA-wrapped) sk is not decrypted: it returns an error, so
// importNode drops the node.
func installSharedKey(handle string, skB64 string, mk []byte, shareKeys map[string][16]byte) error {
	esk, err := ub64dec([]byte(skB64))
	if err != nil {
		return err
	}

	var plain []byte
	if len(esk) > 16 {
		// RSA-wrapped: esk is MPI-encoded ciphertext, but without a
		// private key reference here we only handle the AES-ECB
		// owner form directly usable from mk; an RSA-wrapped sk
		// addressed to us requires our own unwrapped private key,
		// which callers needing grantee-side share import must
		// resolve via rsaDecrypt against their own privk/mk before
		// calling installSharedKey. Record as dropped rather than
		// guessing.
		return fmt.Errorf("mega: RSA-wrapped sk requires grantee private key, not handled in node import")
	}
	plain, err = aesECBDecrypt(mk, esk)
	if err != nil {
		return err
	}

	var k16 [16]byte
	copy(k16[:], plain[:16])
	shareKeys[handle] = k16
	return nil
}

// computePath implements spec §4.5's path walk: try parent_handle
// then su_handle, collect names, reverse, join with "/". maxDepth
// guards against a cyclic graph (spec §9).
func computePath(node *Node, nodes map[string]*Node, maxDepth int) (string, error) {
	var names []string
	cur := node
	seen := 0
	for cur != nil {
		if cur.Handle != topHandle {
			names = append(names, cur.Name)
		}
		seen++
		if seen > maxDepth {
			return "", fmt.Errorf("mega: path walk exceeded %d hops, likely cyclic graph", maxDepth)
		}

		var next *Node
		if cur.ParentHandle != "" && cur.ParentHandle != topHandle {
			next = nodes[cur.ParentHandle]
		}
		if next == nil && cur.SUHandle != "" {
			next = nodes[cur.SUHandle]
		}
		cur = next
	}

	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	if len(names) == 0 {
		return node.Handle, nil
	}
	return strings.Join(names, "/"), nil
}

// uniquePath implements spec §3's collision rule: on collision, the
// later node's path is suffixed ".<handle>".
func uniquePath(pathMap map[string]*Node, path string, node *Node) string {
	if _, exists := pathMap[path]; !exists {
		return path
	}
	return fmt.Sprintf("%s.%s", path, node.Handle)
}

// --- persistence ----------------------------------------------------

// fsSnapshot is the JSON-serialisable form of a Filesystem, used by
// session.go to write/read the "fs" blob (spec §4.4). Rather than
// persisting the raw server response (which would require the server
// key material to still be valid to re-decrypt on load), the already
// decrypted Node set and share keys are persisted directly: the blob
// envelope's own encryption is what protects them at rest.
type fsSnapshot struct {
	Nodes     []*Node           `json:"nodes"`
	ShareKeys map[string][]byte `json:"shareKeys"`
}

func (fs *Filesystem) marshalSnapshot() ([]byte, error) {
	snap := fsSnapshot{
		Nodes:     make([]*Node, 0, len(fs.nodes)),
		ShareKeys: make(map[string][]byte, len(fs.shareKeys)),
	}
	for _, n := range fs.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for h, k := range fs.shareKeys {
		kk := k
		snap.ShareKeys[h] = kk[:]
	}
	return json.Marshal(snap)
}

// loadSnapshot rebuilds pathMap/children from a persisted node set
// without any network traffic, matching spec §4.4 scenario 2 ("open()
// returns without any HTTP traffic").
func (fs *Filesystem) loadSnapshot(data []byte) error {
	var snap fsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	nodes := make(map[string]*Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes[n.Handle] = n
	}
	shareKeys := make(map[string][16]byte, len(snap.ShareKeys))
	for h, k := range snap.ShareKeys {
		var k16 [16]byte
		copy(k16[:], k)
		shareKeys[h] = k16
	}

	pathMap := make(map[string]*Node, len(nodes))
	children := make(map[string][]*Node, len(nodes))
	for _, node := range nodes {
		if node.ParentHandle != "" {
			children[node.ParentHandle] = append(children[node.ParentHandle], node)
		}
		if node.SUHandle != "" {
			children[node.SUHandle] = append(children[node.SUHandle], node)
		}
	}
	for _, node := range nodes {
		path, err := computePath(node, nodes, len(nodes)+maxPathDepthSlack)
		if err != nil {
			continue
		}
		node.Path = uniquePath(pathMap, path, node)
		pathMap[node.Path] = node
	}

	fs.nodes = nodes
	fs.shareKeys = shareKeys
	fs.pathMap = pathMap
	fs.children = children
	return nil
}
