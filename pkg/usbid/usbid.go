package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the usual install locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// ErrNotFound is returned by [Open] when none of the paths can be opened.
var ErrNotFound = errors.New("usb.ids not found")

// Database maps vendor and product IDs to names. A Database is read-only
// after construction and safe for concurrent use.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

func key(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// Open parses the first of paths that can be opened.
func Open(paths ...string) (*Database, error) {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		db, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("%w in %s", ErrNotFound, strings.Join(paths, ", "))
}

// Parse reads the usb.ids format from r. Only the vendor and product
// sections are kept; class, language and HID tables are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	scanner := bufio.NewScanner(r)
	var vid uint16
	inVendor := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			// interface lines are indented twice
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[key(vid, id)] = name
			}
			continue
		}

		// section headers such as "C 03  Human Interface Device" do not
		// parse as a 4-digit ID and end the vendor list
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// entry splits "xxxx  Name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the name of vid.
func (db *Database) Vendor(vid uint16) (string, bool) {
	if db == nil {
		return "", false
	}
	name, ok := db.vendors[vid]
	return name, ok
}

// Product returns the name of pid under vid.
func (db *Database) Product(vid, pid uint16) (string, bool) {
	if db == nil {
		return "", false
	}
	name, ok := db.products[key(vid, pid)]
	return name, ok
}

// Describe returns "Vendor Product" for the pair, using whichever names
// are known, or "" when neither is.
func (db *Database) Describe(vid, pid uint16) string {
	vendor, _ := db.Vendor(vid)
	product, _ := db.Product(vid, pid)
	return strings.TrimSpace(vendor + " " + product)
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
