package normalizers

// AddressSuffixLookups maps spelled-out street suffixes to their canonical
// short form so both renderings normalize identically.
var AddressSuffixLookups = map[string]string{
	"alley":     "aly",
	"avenue":    "ave",
	"boulevard": "blvd",
	"circle":    "cir",
	"court":     "ct",
	"drive":     "dr",
	"expressway": "expy",
	"highway":   "hwy",
	"lane":      "ln",
	"parkway":   "pkwy",
	"place":     "pl",
	"road":      "rd",
	"square":    "sq",
	"street":    "st",
	"terrace":   "ter",
	"trail":     "trl",
	"way":       "way",
}

// AddressDirectionLookups maps spelled-out compass directions to their
// canonical single-letter form.
var AddressDirectionLookups = map[string]string{
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
	"northeast": "ne",
	"northwest": "nw",
	"southeast": "se",
	"southwest": "sw",
}

// AddressUnitLookups maps unit designators to their canonical short form.
var AddressUnitLookups = map[string]string{
	"apartment": "apt",
	"building":  "bldg",
	"floor":     "fl",
	"suite":     "ste",
	"unit":      "unit",
}
