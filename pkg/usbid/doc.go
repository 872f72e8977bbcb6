// Package usbid resolves USB vendor and product IDs to names using the
// usb.ids database shipped by usbutils and hwdata.
//
//	db, err := usbid.Open(usbid.DefaultPaths...)
//	if err == nil {
//		fmt.Println(db.Describe(0x1209, 0x0001))
//	}
//
// A nil *Database answers every lookup with "not found", so callers may
// keep going when no database is installed.
package usbid
