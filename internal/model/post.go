package model

// Post はリモートの投稿ペイロードのうちローカルに保持する部分集合。
// Base64EncodedReviewImageは対応画像MIMEの場合にのみ設定され、
// それ以外は常に空文字列のまま。
type Post struct {
	ID                       int64   `json:"id"`
	FileSize                 int64   `json:"file_size"`
	FileType                 string  `json:"file_type"`
	FileURL                  string  `json:"file_url"`
	PreviewURL               string  `json:"preview_url"`
	SampleURL                string  `json:"sample_url"`
	Height                   int     `json:"height"`
	Width                    int     `json:"width"`
	Rating                   string  `json:"rating"`
	Source                   string  `json:"source"`
	Status                   string  `json:"status"`
	VideoDuration            float64 `json:"video_duration"`
	IsFavorited              bool    `json:"is_favorited"`
	Base64EncodedReviewImage string  `json:"base64EncodedReviewImage,omitempty"`
}

// PostCacheEntry はタグごとの投稿キャッシュを表す。
// FetchedPostsは再開フェッチをまたいで追記のみ行われ、
// 取得サイクル成功後は常に FetchedPostCount == len(FetchedPosts) が成り立つ。
type PostCacheEntry struct {
	TagName             string `json:"tagName"`
	FetchedPosts        []Post `json:"fetchedPosts"`
	FetchedPostCount    int    `json:"fetchedPostCount"`
	LastPostFetchedTime int64  `json:"lastPostFetchedTime"` // Unixミリ秒。0は未取得。
}
