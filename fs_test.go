package mega

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptBuffer(t *testing.T, key16, buf []byte) []byte {
	t.Helper()
	require.Equal(t, 0, len(buf)%16)
	out := make([]byte, len(buf))
	for off := 0; off < len(buf); off += 16 {
		block, err := aesECBEncrypt(key16, buf[off:off+16])
		require.NoError(t, err)
		copy(out[off:off+16], block)
	}
	return out
}

func ownedKeyField(t *testing.T, owner string, mk, key []byte) string {
	t.Helper()
	ct := encryptBuffer(t, mk, key)
	return owner + ":" + string(ub64enc(ct))
}

func TestFilesystemLoadOwnedFolderAndFile(t *testing.T) {
	mk := randomBytes(16)
	uh := "owner0001"

	folderKey := randomBytes(16)
	folderAttrs, err := makeNodeAttrs(folderKey, map[string]interface{}{"n": "Documents"})
	require.NoError(t, err)
	folder := rawNode{
		Handle: "FOLDER01", ParentHandle: "", OwnerHandle: uh,
		Type: NodeFolder,
		Key:  ownedKeyField(t, uh, mk, folderKey),
		Attr: string(folderAttrs),
	}

	fileKey := randomBytes(32)
	folded, err := fileNodeKeyUnpack(fileKey)
	require.NoError(t, err)
	fileAttrs, err := makeNodeAttrs(folded, map[string]interface{}{"n": "report.pdf"})
	require.NoError(t, err)
	file := rawNode{
		Handle: "FILE0001", ParentHandle: "FOLDER01", OwnerHandle: uh,
		Type: NodeFile, Size: 4096,
		Key:  ownedKeyField(t, uh, mk, fileKey),
		Attr: string(fileAttrs),
	}

	fs := newFilesystem(zerolog.Nop())
	err = fs.Load(filesystemResponse{F: []rawNode{folder, file}}, uh, mk, nil)
	require.NoError(t, err)

	fnode, ok := fs.Node("FOLDER01")
	require.True(t, ok)
	assert.Equal(t, "Documents", fnode.Name)
	assert.Equal(t, "Documents", fnode.Path)

	dnode, ok := fs.Node("FILE0001")
	require.True(t, ok)
	assert.Equal(t, "report.pdf", dnode.Name)
	assert.Equal(t, "Documents/report.pdf", dnode.Path)
	assert.Len(t, dnode.KeyFull, 32)
	assert.Len(t, dnode.Key, 16)

	children := fs.Children("FOLDER01")
	require.Len(t, children, 1)
	assert.Equal(t, "FILE0001", children[0].Handle)
}

func TestAuthenticateShareKeyAcceptsValidHAAndRejectsTamper(t *testing.T) {
	mk := randomBytes(16)
	handle := "SHAREH01"
	shareKey := randomBytes(16)

	haPlain := []byte(handle[:8] + handle[:8])
	haCipher, err := aesECBEncrypt(mk, haPlain)
	require.NoError(t, err)
	kCipher, err := aesECBEncrypt(mk, shareKey)
	require.NoError(t, err)

	entry := shareKeyEntry{Handle: handle, HA: string(ub64enc(haCipher)), Key: string(ub64enc(kCipher))}

	key, ok, err := authenticateShareKey(entry, mk)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shareKey, key[:])

	tampered := entry
	badHA := append([]byte(nil), haCipher...)
	badHA[0] ^= 0xff
	tampered.HA = string(ub64enc(badHA))

	_, ok, err = authenticateShareKey(tampered, mk)
	require.NoError(t, err)
	assert.False(t, ok, "tampered ha must fail authentication, not just decrypt oddly")
}

func TestFilesystemLoadDropsUnsafeNodeName(t *testing.T) {
	mk := randomBytes(16)
	uh := "owner0001"

	key := randomBytes(16)
	attrs, err := makeNodeAttrs(key, map[string]interface{}{"n": "../escape"})
	require.NoError(t, err)
	bad := rawNode{
		Handle: "BADNODE1", OwnerHandle: uh, Type: NodeFolder,
		Key: ownedKeyField(t, uh, mk, key), Attr: string(attrs),
	}

	fs := newFilesystem(zerolog.Nop())
	require.NoError(t, fs.Load(filesystemResponse{F: []rawNode{bad}}, uh, mk, nil))

	_, ok := fs.Node("BADNODE1")
	assert.False(t, ok, "a node with an unsafe name must be dropped, not imported")
}

func TestFilesystemLoadSuffixesCollidingPaths(t *testing.T) {
	mk := randomBytes(16)
	uh := "owner0001"

	folderKey := randomBytes(16)
	folderAttrs, err := makeNodeAttrs(folderKey, map[string]interface{}{"n": "Documents"})
	require.NoError(t, err)
	folder := rawNode{
		Handle: "FOLDER01", OwnerHandle: uh, Type: NodeFolder,
		Key: ownedKeyField(t, uh, mk, folderKey), Attr: string(folderAttrs),
	}

	mkSibling := func(handle string) rawNode {
		key := randomBytes(16)
		attrs, err := makeNodeAttrs(key, map[string]interface{}{"n": "same.txt"})
		require.NoError(t, err)
		return rawNode{
			Handle: handle, ParentHandle: "FOLDER01", OwnerHandle: uh, Type: NodeFolder,
			Key: ownedKeyField(t, uh, mk, key), Attr: string(attrs),
		}
	}
	a := mkSibling("SIBLINGA")
	b := mkSibling("SIBLINGB")

	fs := newFilesystem(zerolog.Nop())
	require.NoError(t, fs.Load(filesystemResponse{F: []rawNode{folder, a, b}}, uh, mk, nil))

	na, _ := fs.Node("SIBLINGA")
	nb, _ := fs.Node("SIBLINGB")
	assert.NotEqual(t, na.Path, nb.Path, "colliding sibling names must resolve to distinct paths")

	plain, suffixed := na, nb
	if nb.Path == "Documents/same.txt" {
		plain, suffixed = nb, na
	}
	assert.Equal(t, "Documents/same.txt", plain.Path)
	assert.Equal(t, fmt.Sprintf("Documents/same.txt.%s", suffixed.Handle), suffixed.Path)

	assert.Equal(t, len(fs.nodes), len(fs.pathMap), "pathMap must be injective over admitted nodes")
}

func TestFilesystemLoadExportedFolderForcesRoot(t *testing.T) {
	folderMK := randomBytes(16)
	rootKey := randomBytes(16)
	rootAttrs, err := makeNodeAttrs(rootKey, map[string]interface{}{"n": "Shared"})
	require.NoError(t, err)
	root := rawNode{
		Handle: "ROOTNODE", ParentHandle: "SOMEPARENTWENEVERSEE", OwnerHandle: "someoneelse",
		Type: NodeFolder,
		Key:  ownedKeyField(t, "ROOTNODE", folderMK, rootKey),
		Attr: string(rootAttrs),
	}

	fs := newFilesystem(zerolog.Nop())
	require.NoError(t, fs.Load(filesystemResponse{F: []rawNode{root}}, "viewer", nil, folderMK))

	node, ok := fs.Node("ROOTNODE")
	require.True(t, ok)
	assert.Equal(t, "", node.ParentHandle, "exported-folder root's parent must be forced null")
	assert.Equal(t, "Shared", node.Path)
}

func TestFilesystemLoadSynthesisesAcceptedContactsUnderNetwork(t *testing.T) {
	fs := newFilesystem(zerolog.Nop())
	resp := filesystemResponse{
		U: []userRelation{
			{Handle: "U1", Email: "friend@example.com", C: 1},
			{Handle: "U2", Email: "pending@example.com", C: 0},
		},
	}
	require.NoError(t, fs.Load(resp, "viewer", randomBytes(16), nil))

	n1, ok := fs.Node("U1")
	require.True(t, ok)
	assert.Equal(t, "friend@example.com", n1.Name)

	_, ok = fs.Node("U2")
	assert.False(t, ok, "a non-accepted relation (c != 1) must not be synthesised")

	children := fs.Children(networkHandle)
	require.Len(t, children, 1)
	assert.Equal(t, "U1", children[0].Handle)
}

func TestFilesystemSnapshotRoundTrip(t *testing.T) {
	mk := randomBytes(16)
	uh := "owner0001"
	folderKey := randomBytes(16)
	folderAttrs, err := makeNodeAttrs(folderKey, map[string]interface{}{"n": "Documents"})
	require.NoError(t, err)
	folder := rawNode{
		Handle: "FOLDER01", OwnerHandle: uh, Type: NodeFolder,
		Key: ownedKeyField(t, uh, mk, folderKey), Attr: string(folderAttrs),
	}

	fs := newFilesystem(zerolog.Nop())
	require.NoError(t, fs.Load(filesystemResponse{F: []rawNode{folder}}, uh, mk, nil))

	data, err := fs.marshalSnapshot()
	require.NoError(t, err)

	fs2 := newFilesystem(zerolog.Nop())
	require.NoError(t, fs2.loadSnapshot(data))

	n, ok := fs2.Node("FOLDER01")
	require.True(t, ok)
	assert.Equal(t, "Documents", n.Name)
	assert.Equal(t, "Documents", n.Path)
}
