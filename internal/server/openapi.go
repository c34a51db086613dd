package server

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

//go:embed openapi.yaml
var openAPIDocument []byte

// OpenAPIDocument は埋め込まれたAPI定義を返す
func OpenAPIDocument() []byte {
	return openAPIDocument
}

// loadOpenAPI はAPI定義を読み込んで検証する
func loadOpenAPI() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("API定義の読み込みに失敗: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("API定義の検証に失敗: %w", err)
	}
	return doc, nil
}

// requestValidator はAPI定義に従ってリクエストを検証するミドルウェアを返す
//
// 定義にないパスはそのまま後続に渡す。
func requestValidator(doc *openapi3.T) (gin.HandlerFunc, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("ルーターの作成に失敗: %w", err)
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			if errors.Is(err, routers.ErrMethodNotAllowed) {
				abortWithError(c, http.StatusMethodNotAllowed, "method_not_allowed", "許可されていないメソッドです", nil)
				return
			}
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_request", "リクエストが不正です", err)
			return
		}
		c.Next()
	}, nil
}
