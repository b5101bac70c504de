// Package usbid resolves USB vendor and product IDs to names using the
// usb.ids database distributed with usbutils and hwdata.
//
// The database is optional: lookups on an empty [Database] return empty
// strings, and [Database.Describe] falls back to the numeric IDs.
//
//	db := usbid.New()
//	if _, err := db.Load(usbid.DefaultPaths...); err != nil {
//		// names unavailable; IDs are still printed
//	}
//	fmt.Println(db.Describe(0x046D, 0xC52B))
package usbid
