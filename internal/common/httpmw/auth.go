package httpmw

import (
	"crypto/subtle"
	"strings"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/gin-gonic/gin"
)

// BearerAuth enforces the daemon bearer token on every request.
// The token is accepted either as an "Authorization: Bearer <token>" header
// or as a "token" query parameter. The query form exists because the
// browser EventSource API cannot set request headers.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := ""

		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		} else if q := c.Query("token"); q != "" {
			presented = q
		}

		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			appErr := errors.Unauthorized("missing or invalid bearer token")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}

		c.Next()
	}
}
