package matcher

// aliasRules lists, for a canonical target column, the source column names
// accepted as the same field. Common CMS naming conventions are covered.
var aliasRules = map[string][]string{
	// identifiers
	"id":     {"itemid", "aid", "uid", "userid"},
	"itemid": {"id", "aid", "uid", "userid"},

	// title
	"title": {"title", "subject", "name", "caption"},

	// content
	"content":     {"content", "body", "text", "description", "introduce"},
	"description": {"introduce", "content", "body", "text"},
	"introduce":   {"description", "content", "body", "text"},

	// author
	"author": {"author", "writer", "creator", "user"},

	// time
	"time":       {"time", "date", "addtime", "createtime", "inputtime", "updatetime", "edittime"},
	"addtime":    {"inputtime", "createtime", "addtime"},
	"inputtime":  {"addtime", "createtime", "inputtime"},
	"updatetime": {"edittime", "updatetime"},
	"edittime":   {"updatetime", "edittime"},

	// status
	"status": {"status", "state", "flag"},

	// category
	"catid":    {"catid", "category", "type", "class"},
	"category": {"catid", "category", "type", "class"},

	// url
	"url":     {"linkurl", "url", "link"},
	"linkurl": {"url", "linkurl", "link"},
	"link":    {"linkurl", "url", "link"},

	// image
	"thumb": {"thumb", "image", "img", "photo", "pic"},
	"image": {"thumb", "image", "img", "photo", "pic"},

	// keywords
	"keyword":  {"keyword", "tag"},
	"keywords": {"keyword", "tag"},
	"tag":      {"keyword", "tag"},

	// hit counters
	"hits": {"hits", "views", "count", "click"},

	// ip address
	"ip":      {"ip", "ipaddress", "inputip"},
	"inputip": {"ip", "ipaddress", "inputip"},

	// sort order
	"order":        {"order", "sort", "displayorder", "sortorder"},
	"displayorder": {"order", "sort", "displayorder", "sortorder"},

	// foreign table id
	"tableid": {"tableid", "areaid"},
	"areaid":  {"tableid", "areaid"},

	// link flag
	"link_id": {"islink", "link_id"},
	"islink":  {"link_id", "islink"},
}

func aliasesFor(target string) (map[string]struct{}, bool) {
	names, ok := aliasRules[target]
	if !ok {
		return nil, false
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, true
}
