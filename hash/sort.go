package hash

import "sort"

type idSlice []ObjectID

func (p idSlice) Len() int           { return len(p) }
func (p idSlice) Less(i, j int) bool { return p[i].Less(p[j]) }
func (p idSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

func sortObjectIDs(ids []ObjectID) {
	sort.Sort(idSlice(ids))
}
