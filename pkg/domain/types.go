package domain

// CallerIdentity is the account returned by the identity service for a
// verified bearer token. Request-scoped, read-only.
type CallerIdentity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Realtor is the seller/agent record resolved from a caller identity.
type Realtor struct {
	ID int64 `json:"id"`
}

// ImageFile is one caller-supplied image, fully buffered in memory.
type ImageFile struct {
	Name     string
	Bytes    []byte
	Size     int64
	MIMEType string
}

// UploadedAsset records one blob successfully written to the object store.
// The ordered slice of assets doubles as the rollback ledger.
type UploadedAsset struct {
	SourceFileIndex int    `json:"sourceFileIndex"`
	URL             string `json:"url"`
}

// ListingDraft carries the caller-supplied property fields plus the resolved
// realtor id and uploaded image URLs. It exists only for the duration of the
// create call.
type ListingDraft struct {
	RealtorID    int64    `json:"realtor"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Price        int64    `json:"price"`
	Address      string   `json:"address"`
	City         string   `json:"city"`
	State        string   `json:"state"`
	Zipcode      string   `json:"zipcode"`
	PropertyType string   `json:"property_type"`
	Bedrooms     int      `json:"bedrooms"`
	Bathrooms    float64  `json:"bathrooms"`
	Sqft         int      `json:"sqft"`
	LotSize      *float64 `json:"lot_size,omitempty"`
	YearBuilt    *int     `json:"year_built,omitempty"`
	Features     []string `json:"features,omitempty"`

	// Positional photo slots; empty slots are omitted from the payload,
	// never sent as null.
	PhotoMain string `json:"photo_main,omitempty"`
	Photo1    string `json:"photo_1,omitempty"`
	Photo2    string `json:"photo_2,omitempty"`
	Photo3    string `json:"photo_3,omitempty"`
	Photo4    string `json:"photo_4,omitempty"`
	Photo5    string `json:"photo_5,omitempty"`
	Photo6    string `json:"photo_6,omitempty"`
}

// MaxPhotoSlots is the number of positional photo slots a listing carries.
const MaxPhotoSlots = 7

// AssignPhotos maps uploaded asset URLs positionally onto the draft's photo
// slots. Assets beyond the last slot are ignored; validation upstream keeps
// the count within bounds.
func (d *ListingDraft) AssignPhotos(assets []UploadedAsset) {
	slots := []*string{&d.PhotoMain, &d.Photo1, &d.Photo2, &d.Photo3, &d.Photo4, &d.Photo5, &d.Photo6}
	for i, asset := range assets {
		if i >= len(slots) {
			break
		}
		*slots[i] = asset.URL
	}
}

// Listing is the persisted record returned by the listing backend. Its
// lifecycle is owned by the backend after creation.
type Listing struct {
	ID           int64    `json:"id"`
	Realtor      int64    `json:"realtor"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Price        int64    `json:"price"`
	Address      string   `json:"address"`
	City         string   `json:"city"`
	State        string   `json:"state"`
	Zipcode      string   `json:"zipcode"`
	PropertyType string   `json:"property_type"`
	Bedrooms     int      `json:"bedrooms"`
	Bathrooms    float64  `json:"bathrooms"`
	Sqft         int      `json:"sqft"`
	LotSize      *float64 `json:"lot_size,omitempty"`
	YearBuilt    *int     `json:"year_built,omitempty"`
	Features     []string `json:"features,omitempty"`
	PhotoMain    string   `json:"photo_main,omitempty"`
	Photo1       string   `json:"photo_1,omitempty"`
	Photo2       string   `json:"photo_2,omitempty"`
	Photo3       string   `json:"photo_3,omitempty"`
	Photo4       string   `json:"photo_4,omitempty"`
	Photo5       string   `json:"photo_5,omitempty"`
	Photo6       string   `json:"photo_6,omitempty"`
}
