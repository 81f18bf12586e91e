package nodetree

import (
	"testing"

	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/stretchr/testify/require"
)

func TestInitBuildsChildLinks(t *testing.T) {
	root := ids.NewNodeID()
	child := ids.NewNodeID()

	tree := New()
	delta := tree.Init([]repodb.NodeMeta{
		{NodeID: root, Kind: repodb.NodeDir, Name: "notes", Path: "notes"},
		{NodeID: child, Kind: repodb.NodeFile, Name: "a.md", ParentID: root, Path: "notes/a.md", DocID: ids.NewDocID()},
	})

	require.Equal(t, DeltaInit, delta.Kind)
	require.Len(t, delta.Full, 2)

	kids := tree.Children(root)
	require.Len(t, kids, 1)
	require.Equal(t, child, kids[0].NodeID)
}

func TestChildrenOrderingDirsFirstThenCaseInsensitive(t *testing.T) {
	root := ids.NewNodeID()
	tree := New()
	tree.Init([]repodb.NodeMeta{{NodeID: root, Kind: repodb.NodeDir, Name: "root", Path: ""}})

	zFile := ids.NewNodeID()
	bDir := ids.NewNodeID()
	aFile := ids.NewNodeID()
	tree.AddFile(zFile, root, true, "Zeta.md", "Zeta.md", ids.NewDocID())
	tree.AddFolder(bDir, root, true, "beta", "beta")
	tree.AddFile(aFile, root, true, "alpha.md", "alpha.md", ids.NewDocID())

	kids := tree.Children(root)
	require.Len(t, kids, 3)
	require.Equal(t, bDir, kids[0].NodeID, "directories sort first")
	require.Equal(t, aFile, kids[1].NodeID)
	require.Equal(t, zFile, kids[2].NodeID)
}

func TestUpdateRewritesDescendantPaths(t *testing.T) {
	root := ids.NewNodeID()
	folder := ids.NewNodeID()
	sub := ids.NewNodeID()
	file := ids.NewNodeID()

	tree := New()
	tree.Init([]repodb.NodeMeta{{NodeID: root, Kind: repodb.NodeDir, Name: "root", Path: ""}})
	tree.AddFolder(folder, root, true, "notes", "notes")
	tree.AddFolder(sub, folder, true, "sub", "notes/sub")
	tree.AddFile(file, sub, true, "a.md", "notes/sub/a.md", ids.NewDocID())

	_, err := tree.Update(folder, root, true, "archive", "archive")
	require.NoError(t, err)

	subNode, ok := tree.Get(sub)
	require.True(t, ok)
	require.Equal(t, "archive/sub", subNode.CachedPath)

	fileNode, ok := tree.Get(file)
	require.True(t, ok)
	require.Equal(t, "archive/sub/a.md", fileNode.CachedPath)
}

func TestRemoveIsIterativeAndTakesDescendants(t *testing.T) {
	root := ids.NewNodeID()
	folder := ids.NewNodeID()
	file := ids.NewNodeID()

	tree := New()
	tree.Init([]repodb.NodeMeta{{NodeID: root, Kind: repodb.NodeDir, Name: "root", Path: ""}})
	tree.AddFolder(folder, root, true, "notes", "notes")
	tree.AddFile(file, folder, true, "a.md", "notes/a.md", ids.NewDocID())

	delta, err := tree.Remove(folder)
	require.NoError(t, err)
	require.ElementsMatch(t, []ids.NodeID{folder, file}, delta.Removed)

	_, ok := tree.Get(folder)
	require.False(t, ok)
	_, ok = tree.Get(file)
	require.False(t, ok)

	require.Empty(t, tree.Children(root))
}

func TestRemoveUnknownNodeIsNotFound(t *testing.T) {
	tree := New()
	tree.Init(nil)
	_, err := tree.Remove(ids.NewNodeID())
	require.Error(t, err)
}
