// Package model はドメインモデルを定義する。
package model

// FetchState はタグメタデータの取得状態を表す三値。
// 「未試行」と「前回失敗」を区別することで、UI側が再試行すべきタグを
// 未着手のタグと見分けられるようにする。
type FetchState string

const (
	// FetchStateNever は一度も取得を試行していない状態。
	FetchStateNever FetchState = "never"
	// FetchStateFetched はメタデータ取得に成功した状態。
	FetchStateFetched FetchState = "fetched"
	// FetchStateFailed は直近の取得が失敗した状態。
	FetchStateFailed FetchState = "failed"
)

// Attempted は取得を一度でも試行したかを返す。
func (s FetchState) Attempted() bool {
	return s == FetchStateFetched || s == FetchStateFailed
}

// Wiki はタグに付随するリモートのwikiペイロードのうち保持する部分集合。
// BodyはHTMLとして扱い、保存前にサニタイズされる。
type Wiki struct {
	ID    int64  `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Tag はローカルカタログで追跡するタグを表す。
// TagNameはカタログ内で大文字小文字を区別せず一意。
// IDはリモート識別子で、初回のリモート照合までは0のままでよい。
// JSONタグは永続化フォーマット（ローカルストレージ互換）に合わせている。
type Tag struct {
	TagName             string     `json:"tagName"`
	ID                  int64      `json:"id,omitempty"`
	Fetched             FetchState `json:"fetched"`
	Following           bool       `json:"following"`
	Wiki                *Wiki      `json:"wiki,omitempty"`
	PostCount           int        `json:"post_count,omitempty"`
	FetchedPostCount    int        `json:"fetchedPostCount,omitempty"`
	LastPostFetchedTime int64      `json:"lastPostFetchedTime,omitempty"` // Unixミリ秒。0は未取得。
}

// Clone はタグの複製を返す。Wikiも複製する。
func (t *Tag) Clone() *Tag {
	c := *t
	if t.Wiki != nil {
		w := *t.Wiki
		c.Wiki = &w
	}
	return &c
}
