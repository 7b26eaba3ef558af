package annotations

const annotationsFileName = "annotations.jsonl"

// ResolvePath maps an asset to its annotation file inside a repository. The
// layout is shared with every other client of the same repositories, so the
// segments are composed literally and never normalized.
func ResolvePath(instanceName, dandisetID, assetPath, assetID string) string {
	return instanceName + "/dandisets/" + dandisetID + "/assets/" + assetPath + "/" + assetID + "/" + annotationsFileName
}
