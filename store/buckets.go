package store

import "encoding/binary"

// Bucket layout:
//
//	accounts             account id (uint64 BE) -> Account JSON
//	accounts_by_provider provider id            -> account id (uint64 BE)
//	tokens               account id (uint64 BE) -> Token JSON
//	media                media id (uint64 BE)   -> MediaEntry JSON
//	media_by_url         source URL             -> media id (uint64 BE)
//	settings             setting name           -> value
var (
	bucketAccounts           = []byte("accounts")
	bucketAccountsByProvider = []byte("accounts_by_provider")
	bucketTokens             = []byte("tokens")
	bucketMedia              = []byte("media")
	bucketMediaByURL         = []byte("media_by_url")
	bucketSettings           = []byte("settings")
)

var settingLastActiveAccount = []byte("last_active_account")

// itob encodes an id as a big-endian uint64 so ids sort correctly as keys.
func itob(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
