package source

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// AsarSource serves an Electron asar archive: a pickled JSON directory
// header followed by concatenated file contents. Offsets in the header are
// relative to the end of the header region.
type AsarSource struct {
	src      stream.Seekable
	dataBase int64
	entries  map[string]*common.FileInfo
	children map[string][]*common.FileInfo
}

type asarNode struct {
	Files  map[string]json.RawMessage `json:"files"`
	Offset string                     `json:"offset"`
	Size   int64                      `json:"size"`
	Link   string                     `json:"link"`
	Unpack bool                       `json:"unpacked"`
}

func NewAsarSource(src stream.Seekable) (*AsarSource, error) {
	// Pickle framing: four little-endian u32s, the second spanning the
	// whole header region, the fourth the JSON length.
	head := make([]byte, 16)
	if _, err := src.ReadAt(head, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("asar header: %w", err)
	}
	if binary.LittleEndian.Uint32(head[0:4]) != 4 {
		return nil, fmt.Errorf("asar pickle framing: %w", common.ErrDecoder)
	}
	headerSize := int64(binary.LittleEndian.Uint32(head[4:8]))
	jsonLen := int64(binary.LittleEndian.Uint32(head[12:16]))
	if jsonLen <= 0 || jsonLen > src.Size() {
		return nil, fmt.Errorf("asar header length %d: %w", jsonLen, common.ErrDecoder)
	}

	raw := make([]byte, jsonLen)
	if _, err := src.ReadAt(raw, 16); err != nil && err != io.EOF {
		return nil, fmt.Errorf("asar header: %w", err)
	}
	var root asarNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("asar header: %v: %w", err, common.ErrDecoder)
	}

	s := &AsarSource{
		src:      src,
		dataBase: 8 + headerSize,
		entries:  map[string]*common.FileInfo{},
		children: map[string][]*common.FileInfo{},
	}
	s.entries["/"] = &common.FileInfo{Type: common.DirectoryEntry, Mode: 0o755, Version: 1, Backend: "asar"}
	if err := s.addTree("", root.Files); err != nil {
		return nil, err
	}
	for _, siblings := range s.children {
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].Name < siblings[j].Name })
	}
	return s, nil
}

func (s *AsarSource) addTree(parent string, files map[string]json.RawMessage) error {
	for name, raw := range files {
		var node asarNode
		if err := json.Unmarshal(raw, &node); err != nil {
			return fmt.Errorf("asar entry %s/%s: %v: %w", parent, name, err, common.ErrDecoder)
		}
		dir := parent
		if dir == "" {
			dir = "/"
		}
		path := dir + name
		if dir != "/" {
			path = dir + "/" + name
		}

		fi := &common.FileInfo{
			ParentPath: dir,
			Name:       name,
			Mode:       0o644,
			Version:    1,
			Backend:    "asar",
		}
		switch {
		case node.Files != nil:
			fi.Type = common.DirectoryEntry
			fi.Mode = 0o755
		case node.Link != "":
			fi.Type = common.SymlinkEntry
			fi.Mode = 0o777
			fi.LinkTarget = node.Link
		default:
			fi.Type = common.RegularEntry
			fi.Size = uint64(node.Size)
			fi.StreamSize = node.Size
			if node.Offset != "" {
				off, err := strconv.ParseInt(node.Offset, 10, 64)
				if err != nil {
					return fmt.Errorf("asar offset %q: %w", node.Offset, common.ErrDecoder)
				}
				fi.Offset = s.dataBase + off
			}
		}
		s.entries[path] = fi
		s.children[dir] = append(s.children[dir], fi)

		if node.Files != nil {
			if err := s.addTree(path, node.Files); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *AsarSource) Name() string { return "asar" }

func (s *AsarSource) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return s.entries[normalized], nil
}

func (s *AsarSource) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	if version != 1 {
		return nil, nil
	}
	return s.Lookup(path)
}

func (s *AsarSource) Versions(path string) (int64, error) {
	fi, err := s.Lookup(path)
	if err != nil || fi == nil {
		return 0, err
	}
	return 1, nil
}

func (s *AsarSource) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	return s.children[normalized], nil
}

func (s *AsarSource) Open(fi *common.FileInfo) (stream.Seekable, error) {
	switch fi.Type {
	case common.DirectoryEntry:
		return nil, fmt.Errorf("%s is a directory: %w", fi.Path(), common.ErrIO)
	case common.SymlinkEntry:
		return stream.NewMemoryStream([]byte(fi.LinkTarget)), nil
	}
	return stream.NewSection(s.src, fi.Offset, fi.StreamSize), nil
}

func (s *AsarSource) Exists(path string) (bool, error) { return existsFromLookup(s, path) }

func (s *AsarSource) Xattrs(path string) (map[string][]byte, error) { return nil, nil }

func (s *AsarSource) StatFS() common.StatFS { return defaultStatFS(uint64(len(s.entries) - 1)) }

func (s *AsarSource) Enter() error { return nil }
func (s *AsarSource) Exit() error  { return s.src.Close() }
