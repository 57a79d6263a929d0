package appdata

import "strings"

// Merge reconciles a document received from the remote store (incoming) with
// the one a device currently holds (current). The policy is last-writer-wins
// at whole-document granularity, with one carve-out: user accounts are
// unioned so a just-registered user that has not round-tripped yet is never
// clobbered by an older remote copy.
//
// Rules:
//   - incoming.LastUpdated >= current.LastUpdated adopts incoming wholesale.
//   - an empty current user set (first load on a fresh device) also adopts
//     incoming wholesale, regardless of timestamps.
//   - otherwise current wins and keeps its LastUpdated.
//   - either way the unioned users are overlaid on the result.
//
// Neither input is mutated; the result is always normalized.
func Merge(current, incoming *AppData) *AppData {
	if current == nil {
		current = Initial()
	}
	if incoming == nil {
		return current.Clone()
	}

	users := unionUsers(incoming.Users, current.Users)

	var merged *AppData
	if incoming.LastUpdated >= current.LastUpdated || len(current.Users) == 0 {
		merged = incoming.Clone()
	} else {
		merged = current.Clone()
	}
	merged.Users = users
	merged.Normalize()
	return merged
}

// unionUsers keeps every remote user and appends local users whose id is not
// known remotely. Ids compare case-insensitively.
func unionUsers(remote, local []User) []User {
	out := append([]User{}, remote...)
	for _, lu := range local {
		known := false
		for _, ru := range remote {
			if strings.EqualFold(ru.ID, lu.ID) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, lu)
		}
	}
	return out
}
